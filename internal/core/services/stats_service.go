package services

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"confhammer/internal/core/domain"

	"go.uber.org/zap"
)

// SnapshotSource is polled for per-session counters.
type SnapshotSource interface {
	Snapshots() []domain.SessionSnapshot
}

// StatsSink receives every aggregated sample, e.g. a metrics exporter.
type StatsSink interface {
	ObserveFleet(stats *domain.FleetStats)
}

// StatsService periodically polls the fleet, keeps the latest aggregate and
// optionally appends it as one JSON line per sample.
type StatsService struct {
	source   SnapshotSource
	interval time.Duration
	out      io.Writer
	sinks    []StatsSink
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	latest *domain.FleetStats
}

func NewStatsService(source SnapshotSource, interval time.Duration, out io.Writer, logger *zap.SugaredLogger, sinks ...StatsSink) *StatsService {
	return &StatsService{
		source:   source,
		interval: interval,
		out:      out,
		sinks:    sinks,
		logger:   logger,
	}
}

// Run samples until ctx is done, then takes a final sample.
func (s *StatsService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Collect()
		case <-ctx.Done():
			s.Collect()
			return
		}
	}
}

// Collect takes one sample now.
func (s *StatsService) Collect() *domain.FleetStats {
	stats := Aggregate(s.source.Snapshots(), time.Now())

	s.mu.Lock()
	s.latest = stats
	s.mu.Unlock()

	for _, sink := range s.sinks {
		sink.ObserveFleet(stats)
	}
	if s.out != nil {
		if err := json.NewEncoder(s.out).Encode(stats); err != nil {
			s.logger.Warnw("failed to write stats line", "error", err)
		}
	}
	return stats
}

// Latest returns the most recent sample or nil before the first one.
func (s *StatsService) Latest() *domain.FleetStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Aggregate sums session counters into one fleet sample.
func Aggregate(snaps []domain.SessionSnapshot, at time.Time) *domain.FleetStats {
	stats := &domain.FleetStats{
		Time:     at,
		Sessions: make(map[string]int),
		ByKind:   make(map[domain.MediaKind]*domain.StreamStats),
		Details:  snaps,
	}
	for _, snap := range snaps {
		stats.Sessions[snap.State]++
		for _, st := range snap.Streams {
			agg, ok := stats.ByKind[st.Kind]
			if !ok {
				agg = &domain.StreamStats{Kind: st.Kind}
				stats.ByKind[st.Kind] = agg
			}
			agg.PacketsSent += st.PacketsSent
			agg.BytesSent += st.BytesSent
			agg.RTCPSent += st.RTCPSent
			agg.PacketsReceived += st.PacketsReceived
			agg.BytesReceived += st.BytesReceived
			agg.FIRs += st.FIRs
			agg.PLIs += st.PLIs
			agg.NACKs += st.NACKs
			agg.Restarts += st.Restarts
		}
	}
	return stats
}
