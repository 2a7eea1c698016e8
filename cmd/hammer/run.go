package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	"confhammer/internal/core/services"
	httphandlers "confhammer/internal/handlers/http"
	"confhammer/internal/infrastructure/capture"
	"confhammer/internal/infrastructure/ice"
	"confhammer/internal/infrastructure/media"
	"confhammer/internal/infrastructure/monitoring"
	"confhammer/internal/infrastructure/replay"
	"confhammer/internal/infrastructure/xmpp"
	"confhammer/pkg/circuitbreaker"
	"confhammer/pkg/config"
	"confhammer/pkg/distributed"
	herrors "confhammer/pkg/errors"
	"confhammer/pkg/logger"
	"confhammer/pkg/retry"
	"confhammer/pkg/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func runHammer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "confhammer",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "loadtest",
		Room:        cfg.Server.Room,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return herrors.Setup(err, "init tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	server, err := domain.ParseServerInfo(cfg.Server.URL, cfg.Server.Domain, cfg.Server.MUCDomain, cfg.Server.Room, cfg.Server.FocusJID)
	if err != nil {
		return herrors.Setup(err, "parse server info")
	}

	agents, err := ice.NewAgentFactory(ice.Config{
		STUNServers:  cfg.ICE.STUNServers,
		PortMin:      cfg.ICE.PortRange.Min,
		PortMax:      cfg.ICE.PortRange.Max,
		NetworkTypes: cfg.ICE.NetworkTypes,
	}, log.Named("ice"))
	if err != nil {
		return herrors.Setup(err, "configure ice")
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(c.Context, cfg.Server.ConnectTimeout)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return herrors.Setup(err, "connect redis")
		}
	}

	var gate ports.InviteGate = services.NewInviteGate()
	if redisClient != nil {
		shared := distributed.NewInviteGate(redisClient, server.Room, cfg.Redis.GateTTL, log.Named("gate"))
		if cfg.Redis.ResetGate {
			ctx, cancel := context.WithTimeout(c.Context, cfg.Server.ConnectTimeout)
			err := shared.Reset(ctx)
			cancel()
			if err != nil {
				return herrors.Setup(err, "reset invite gate")
			}
			log.Infow("invite gate reset", "room", server.Room)
		}
		gate = shared
	}

	collector := monitoring.NewPrometheusCollector()
	auth := services.NewAuthService(services.AuthConfig{
		Mode:      domain.AuthMode(cfg.Auth.Mode),
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		AppID:     cfg.Auth.AppID,
		AppSecret: cfg.Auth.AppSecret,
		TokenTTL:  cfg.Auth.TokenTTL,
		Domain:    server.Domain,
		Room:      server.Room,
	})

	deps := sessionDeps{
		cfg:       cfg,
		server:    server,
		agents:    agents,
		engines:   media.NewEngineFactory(log.Named("media")),
		devices:   capture.NewChooser(chooserConfig(cfg), log.Named("capture")),
		gate:      gate,
		auth:      auth,
		collector: collector,
		logger:    log,
	}

	hammer := services.NewHammer(services.HammerConfig{
		Users:            cfg.Fleet.Users,
		NicknamePrefix:   cfg.Fleet.NicknamePrefix,
		Duration:         cfg.Fleet.Duration,
		RampRate:         cfg.Fleet.RampRate,
		StartConcurrency: cfg.Fleet.StartConcurrency,
		StartRetry: retry.Config{
			MaxAttempts:  cfg.Fleet.StartRetries,
			InitialDelay: cfg.Fleet.RetryBackoff,
			MaxDelay:     10 * cfg.Fleet.RetryBackoff,
			Multiplier:   2,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Fleet.BreakerThreshold,
			Timeout:          cfg.Fleet.BreakerTimeout,
		},
		StopTimeout: cfg.Fleet.StopTimeout,
	}, deps.newSession, log.Named("hammer"))

	var statsOut io.Writer
	if cfg.Monitoring.StatsFile != "" {
		f, err := os.OpenFile(cfg.Monitoring.StatsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return herrors.Setup(err, "open stats file")
		}
		defer f.Close()
		statsOut = f
	}
	stats := services.NewStatsService(hammer, cfg.Monitoring.StatsInterval, statsOut, log.Named("stats"), collector)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		stats.Run(ctx)
	}()

	var srv *http.Server
	if cfg.Monitoring.Enabled {
		health := monitoring.NewHealthChecker()
		health.AddFleetCheck(func() int { return len(hammer.Sessions()) }, 1)
		if redisClient != nil {
			health.AddRedisCheck(redisClient, 2*time.Second)
		}
		handler := httphandlers.NewStatusHandler(health, stats, collector.Handler())
		srv = &http.Server{
			Addr:              cfg.Monitoring.Address,
			Handler:           httphandlers.NewRouter(log.Named("http"), handler, strings.EqualFold(cfg.Logging.Level, "debug")),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("status server listening", "address", cfg.Monitoring.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("status server failed", "error", err)
			}
		}()
	}

	log.Infow("starting fleet",
		"url", server.URL,
		"room", server.Room,
		"users", cfg.Fleet.Users,
		"source", cfg.Media.Source,
		"duration", cfg.Fleet.Duration,
	)
	runErr := hammer.Run(ctx)

	stop()
	<-statsDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("status server shutdown failed", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		log.Errorw("fleet setup failed", "error", runErr, "failed", hammer.Failed())
		return runErr
	}
	log.Infow("fleet finished", "failed", hammer.Failed())
	return nil
}

// sessionDeps holds what every simulated participant shares.
type sessionDeps struct {
	cfg       *config.Config
	server    domain.ServerInfo
	agents    ports.AgentFactory
	engines   ports.MediaEngineFactory
	devices   ports.DeviceChooser
	gate      ports.InviteGate
	auth      services.AuthService
	collector *monitoring.PrometheusCollector
	logger    *zap.SugaredLogger
}

func (d sessionDeps) newSession(index int, nickname string) services.Session {
	log := d.logger.Named("session")

	// A room token travels in the websocket URL, so it is minted before the
	// transport is built.
	var token string
	if domain.AuthMode(d.cfg.Auth.Mode) == domain.AuthJWT {
		creds, err := d.auth.Credentials(nickname)
		if err != nil {
			log.Warnw("could not mint room token", "nickname", nickname, "error", err)
		}
		token = creds.Token
	}

	transport := xmpp.NewClient(xmpp.Config{
		Server:         d.server,
		Token:          token,
		Resource:       fmt.Sprintf("%s-%s", nickname, uuid.NewString()[:8]),
		ConnectTimeout: d.cfg.Server.ConnectTimeout,
		RequestTimeout: d.cfg.Server.RequestTimeout,
		PingInterval:   d.cfg.Server.PingInterval,
	}, log.Named("xmpp").With("nickname", nickname))

	return services.NewFakeUser(services.FakeUserConfig{
		Server:             d.server,
		Conference:         domain.NewConferenceParameters(d.cfg.ConferenceProperties()),
		Nickname:           nickname,
		AcceptTimeout:      d.cfg.Session.AcceptTimeout,
		MaxNicknameRetries: d.cfg.Session.MaxNicknameRetries,
		SendTerminate:      d.cfg.Session.SendTerminate,
		Codecs:             codecPreferences(d.cfg),
	}, services.FakeUserDeps{
		Transport: transport,
		Agents:    d.agents,
		Engines:   d.engines,
		Devices:   d.devices,
		Gate:      d.gate,
		Auth:      d.auth,
		Observer:  d.collector,
		Logger:    log,
	})
}

func codecPreferences(cfg *config.Config) map[domain.MediaKind]services.CodecPreference {
	prefs := services.DefaultCodecPreferences()
	if cfg.Session.PreferredAudio != "" {
		p := prefs[domain.MediaAudio]
		p.Preferred = cfg.Session.PreferredAudio
		prefs[domain.MediaAudio] = p
	}
	if cfg.Session.PreferredVideo != "" {
		p := prefs[domain.MediaVideo]
		p.Preferred = cfg.Session.PreferredVideo
		prefs[domain.MediaVideo] = p
	}
	return prefs
}

func chooserConfig(cfg *config.Config) capture.ChooserConfig {
	rc := cfg.Replay
	base := replay.DeviceConfig{
		KeyframeCodec:       rc.KeyframeCodec,
		KeyframePayloadType: rc.KeyframePayloadTypes,
		KeyframeMinDistance: rc.KeyframeMinDistance,
		RestartMinInterval:  rc.RestartMinInterval,
		RestartOnFIR:        rc.RestartOnFIR,
		RestartOnPLI:        rc.RestartOnPLI,
		RestartOnNACK:       rc.RestartOnNACK,
		QueueSize:           rc.QueueSize,
		EnqueueTimeout:      rc.EnqueueTimeout,
		ReopenBackoff:       rc.ReopenBackoff,
		JoinTimeout:         cfg.Session.ReplayJoinTimeout,
	}

	out := capture.ChooserConfig{
		Source:           cfg.Media.Source,
		AudioFile:        cfg.Media.AudioFile,
		VideoFile:        cfg.Media.VideoFile,
		VideoFPS:         cfg.Media.VideoFPS,
		SyntheticBitrate: cfg.Media.SyntheticBitrate,
	}
	if rc.AudioDump != "" {
		out.AudioReplay = base
		out.AudioReplay.Kind = domain.MediaAudio
		out.AudioReplay.Source = replay.FileSource(rc.AudioDump)
		out.AudioReplay.PayloadNames = rc.AudioPayloadNames
	}
	if rc.VideoDump != "" {
		out.VideoReplay = base
		out.VideoReplay.Kind = domain.MediaVideo
		out.VideoReplay.Source = replay.FileSource(rc.VideoDump)
		out.VideoReplay.PayloadNames = rc.VideoPayloadNames
	}
	return out
}
