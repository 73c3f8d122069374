package dmf

import (
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache"
)

type actionEntry struct {
	mu   sync.Mutex
	done bool
}

// ActionSet tracks the actions currently being simulated. Status
// emissions for one action are serialized, and once a final status went
// out the action is retired: later emissions for it are dropped and the
// same action id is not accepted again while it stays in the retired
// cache.
type ActionSet struct {
	mu      sync.Mutex
	open    map[uint64]*actionEntry
	retired *ccache.Cache
	ttl     time.Duration
}

func NewActionSet(retiredSize int64, ttl time.Duration) *ActionSet {
	if retiredSize <= 0 {
		retiredSize = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ActionSet{
		open:    make(map[uint64]*actionEntry),
		retired: ccache.New(ccache.Configure().MaxSize(retiredSize).ItemsToPrune(uint32(retiredSize/10 + 1))),
		ttl:     ttl,
	}
}

func actionKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Open starts tracking an action. It returns false if the action is
// already open or was retired recently.
func (s *ActionSet) Open(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; ok {
		return false
	}
	if s.isRetired(id) {
		return false
	}
	s.open[id] = &actionEntry{}
	return true
}

// Contains reports whether the action is open.
func (s *ActionSet) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[id]
	return ok
}

func (s *ActionSet) Retired(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRetired(id)
}

func (s *ActionSet) isRetired(id uint64) bool {
	item := s.retired.Get(actionKey(id))
	return item != nil && !item.Expired()
}

func (s *ActionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Emit runs fn for an open action. With final set the action is retired
// after fn returns. It returns false without calling fn when the action is
// not open anymore.
func (s *ActionSet) Emit(id uint64, final bool, fn func()) bool {
	s.mu.Lock()
	entry, ok := s.open[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.done {
		return false
	}
	fn()
	if final {
		entry.done = true
		s.retire(id)
	}
	return true
}

// Finish emits a final status for the action whether or not it is open.
// Only retired actions are skipped.
func (s *ActionSet) Finish(id uint64, fn func()) bool {
	s.mu.Lock()
	_, open := s.open[id]
	if !open {
		if s.isRetired(id) {
			s.mu.Unlock()
			return false
		}
		s.open[id] = &actionEntry{}
	}
	s.mu.Unlock()

	return s.Emit(id, true, fn)
}

func (s *ActionSet) retire(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, id)
	s.retired.Set(actionKey(id), true, s.ttl)
}

// PingSet holds the correlation ids of pings that have not been answered.
type PingSet struct {
	mu    sync.Mutex
	pings map[string]time.Time
}

func NewPingSet() *PingSet {
	return &PingSet{pings: make(map[string]time.Time)}
}

func (p *PingSet) Add(correlationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings[correlationID] = time.Now()
}

// Remove reports whether the id was open.
func (p *PingSet) Remove(correlationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pings[correlationID]; !ok {
		return false
	}
	delete(p.pings, correlationID)
	return true
}

func (p *PingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pings)
}

// OldestAge returns how long the oldest open ping has been waiting.
func (p *PingSet) OldestAge() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest time.Time
	for _, sent := range p.pings {
		if oldest.IsZero() || sent.Before(oldest) {
			oldest = sent
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}
