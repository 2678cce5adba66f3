package fanout

import "sync"

// MergeResult says what Merger.Apply did with an event.
type MergeResult int

const (
	// Applied means the event was newer than local state and was applied.
	Applied MergeResult = iota
	// Stale means the event was a duplicate or older than local state.
	Stale
	// ResyncRequired means the observer must reload the full state and
	// call Reset before applying more events.
	ResyncRequired
)

func (r MergeResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case ResyncRequired:
		return "resync_required"
	}
	return "unknown"
}

// Merger applies an at-least-once event stream idempotently: an event is
// applied only when its version is greater than the last applied version
// of the same entity.
type Merger struct {
	mu       sync.Mutex
	versions map[string]int64
	apply    func(Event)
}

// NewMerger returns a Merger that calls apply for every applied event.
// apply may be nil.
func NewMerger(apply func(Event)) *Merger {
	return &Merger{versions: make(map[string]int64), apply: apply}
}

// Apply merges one event.
func (m *Merger) Apply(event Event) MergeResult {
	if event.Kind == KindResync {
		return ResyncRequired
	}

	m.mu.Lock()
	key := event.EntityKey()
	if last, ok := m.versions[key]; ok && event.Version <= last {
		m.mu.Unlock()
		return Stale
	}
	m.versions[key] = event.Version
	apply := m.apply
	m.mu.Unlock()

	if apply != nil {
		apply(event)
	}
	return Applied
}

// Reset replaces local versions with those of a freshly loaded snapshot.
// Keys are EntityKey values.
func (m *Merger) Reset(versions map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = make(map[string]int64, len(versions))
	for k, v := range versions {
		m.versions[k] = v
	}
}

// Version returns the last applied version of an entity, or 0.
func (m *Merger) Version(entityType EntityType, entityID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[string(entityType)+"/"+entityID]
}
