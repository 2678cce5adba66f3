package opportunity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store held in process memory behind one mutex. It is
// used by tests and by single-replica development runs
// (STORE_BACKEND=memory).
type MemoryStore struct {
	mu            sync.Mutex
	opportunities map[string]*Opportunity
	signups       map[string]*Signup
	active        map[pair]string
	bySignupOrder map[string][]string
	checkIns      map[string]*CheckIn
	credits       map[string]*HourCredit
}

type pair struct {
	opportunityID string
	userID        string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]*Opportunity),
		signups:       make(map[string]*Signup),
		active:        make(map[pair]string),
		bySignupOrder: make(map[string][]string),
		checkIns:      make(map[string]*CheckIn),
		credits:       make(map[string]*HourCredit),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOpportunity(_ context.Context, o Opportunity) (Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opportunities[o.ID]; ok {
		return Opportunity{}, ErrInvalidInput
	}
	o.CapacityAvailable = o.CapacityTotal
	o.Version = 1
	stored := o
	m.opportunities[o.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) GetOpportunity(_ context.Context, id string) (Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opportunities[id]
	if !ok {
		return Opportunity{}, ErrNotFound
	}
	return *o, nil
}

func (m *MemoryStore) SignUp(_ context.Context, req SignupRequest) (SignupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.opportunities[req.OpportunityID]
	if !ok {
		return SignupResult{}, ErrNotFound
	}
	if req.Accept != nil {
		if err := req.Accept(*o); err != nil {
			return SignupResult{}, err
		}
	}

	s := Signup{
		ID:            req.SignupID,
		OpportunityID: req.OpportunityID,
		UserID:        req.UserID,
		Status:        SignupConfirmed,
		CreatedAt:     req.Now,
		Version:       1,
	}
	if !m.insertSignupIfAbsent(s) {
		return SignupResult{}, ErrAlreadySignedUp
	}
	if o.CapacityAvailable <= 0 {
		m.removeSignup(s)
		return SignupResult{}, ErrCapacityExhausted
	}
	o.CapacityAvailable--
	o.Version++

	ci := CheckIn{
		SignupID:      s.ID,
		OpportunityID: s.OpportunityID,
		UserID:        s.UserID,
		State:         StateNotCheckedIn,
		Method:        MethodNone,
		Version:       1,
	}
	m.checkIns[s.ID] = &ci
	return SignupResult{Signup: s, CheckIn: ci, Opportunity: *o}, nil
}

// insertSignupIfAbsent stores s unless the pair already has a CONFIRMED
// signup. Must be called with m.mu held.
func (m *MemoryStore) insertSignupIfAbsent(s Signup) (inserted bool) {
	key := pair{s.OpportunityID, s.UserID}
	if _, exists := m.active[key]; exists {
		return false
	}
	stored := s
	m.signups[s.ID] = &stored
	m.active[key] = s.ID
	m.bySignupOrder[s.OpportunityID] = append(m.bySignupOrder[s.OpportunityID], s.ID)
	return true
}

func (m *MemoryStore) removeSignup(s Signup) {
	delete(m.signups, s.ID)
	delete(m.active, pair{s.OpportunityID, s.UserID})
	ids := m.bySignupOrder[s.OpportunityID]
	m.bySignupOrder[s.OpportunityID] = ids[:len(ids)-1]
}

func (m *MemoryStore) Cancel(_ context.Context, opportunityID, userID string, now time.Time) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.opportunities[opportunityID]
	if !ok {
		return CancelResult{}, ErrNotFound
	}
	key := pair{opportunityID, userID}
	id, ok := m.active[key]
	if !ok {
		return CancelResult{}, ErrNotSignedUp
	}

	s := m.signups[id]
	cancelledAt := now
	s.Status = SignupCancelled
	s.CancelledAt = &cancelledAt
	s.Version++
	delete(m.active, key)

	if o.CapacityAvailable < o.CapacityTotal {
		o.CapacityAvailable++
	}
	o.Version++
	return CancelResult{Signup: *s, Opportunity: *o}, nil
}

func (m *MemoryStore) GetSignup(_ context.Context, signupID string) (RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signups[signupID]
	if !ok {
		return RosterEntry{}, ErrNotFound
	}
	return RosterEntry{Signup: *s, CheckIn: *m.checkIns[signupID]}, nil
}

func (m *MemoryStore) Roster(_ context.Context, opportunityID string) ([]RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opportunities[opportunityID]; !ok {
		return nil, ErrNotFound
	}
	ids := m.bySignupOrder[opportunityID]
	entries := make([]RosterEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, RosterEntry{Signup: *m.signups[id], CheckIn: *m.checkIns[id]})
	}
	return entries, nil
}

func (m *MemoryStore) TransitionCheckIn(_ context.Context, t Transition) (CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.checkIns[t.Next.SignupID]
	if !ok {
		return CheckIn{}, ErrNotFound
	}
	if m.signups[ci.SignupID].Status != SignupConfirmed || ci.State != t.From {
		return CheckIn{}, ErrStateConflict
	}
	if t.Credit != nil {
		if _, credited := m.credits[ci.SignupID]; credited || ci.HoursCredited {
			return CheckIn{}, ErrStateConflict
		}
	}

	next := t.Next
	next.OpportunityID = ci.OpportunityID
	next.UserID = ci.UserID
	next.Version = ci.Version + 1
	*ci = next
	if t.Credit != nil {
		credit := *t.Credit
		m.credits[ci.SignupID] = &credit
	}
	return next, nil
}

func (m *MemoryStore) PendingCredits(_ context.Context, limit int) ([]HourCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HourCredit
	for _, c := range m.credits {
		if c.DeliveredAt == nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkCreditDelivered(_ context.Context, signupID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[signupID]
	if !ok {
		return ErrNotFound
	}
	if c.DeliveredAt == nil {
		delivered := at
		c.DeliveredAt = &delivered
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
