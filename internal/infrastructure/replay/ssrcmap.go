package replay

import (
	"math/rand"
	"sync"
)

// SSRCMap assigns each captured SSRC a random session-local one. The mapping
// is injective and never changes once assigned.
type SSRCMap struct {
	mu     sync.Mutex
	rng    *rand.Rand
	byOrig map[uint32]uint32
	used   map[uint32]struct{}
	order  []uint32
}

func NewSSRCMap(seed int64) *SSRCMap {
	return &SSRCMap{
		rng:    rand.New(rand.NewSource(seed)),
		byOrig: make(map[uint32]uint32),
		used:   make(map[uint32]struct{}),
	}
}

// Map returns the rewritten SSRC for orig, assigning one on first sight.
func (m *SSRCMap) Map(orig uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOrig[orig]; ok {
		return id
	}
	var id uint32
	for {
		id = m.rng.Uint32()
		if _, taken := m.used[id]; id != 0 && !taken {
			break
		}
	}
	m.byOrig[orig] = id
	m.used[id] = struct{}{}
	m.order = append(m.order, id)
	return id
}

// Lookup returns the rewritten SSRC without assigning one.
func (m *SSRCMap) Lookup(orig uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrig[orig]
	return id, ok
}

// Mapped lists the rewritten SSRCs in assignment order.
func (m *SSRCMap) Mapped() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.order...)
}
