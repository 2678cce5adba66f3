package opportunity

import (
	"time"

	"github.com/rs/zerolog/log"

	"volunteer/internal/fanout"
)

// batch collects the change events of one committed mutation.
type batch struct {
	at     time.Time
	events []fanout.Event
}

func newBatch(at time.Time) *batch {
	return &batch{at: at}
}

func (b *batch) opportunity(o Opportunity) *batch {
	return b.add(o.ID, fanout.EntityOpportunity, o.ID, o.Version, o)
}

func (b *batch) signup(s Signup) *batch {
	return b.add(s.OpportunityID, fanout.EntitySignup, s.ID, s.Version, s)
}

func (b *batch) checkIn(ci CheckIn) *batch {
	return b.add(ci.OpportunityID, fanout.EntityCheckIn, ci.SignupID, ci.Version, ci)
}

func (b *batch) add(opportunityID string, entityType fanout.EntityType, id string, version int64, snapshot any) *batch {
	event, err := fanout.NewChange(opportunityID, entityType, id, version, b.at, snapshot)
	if err != nil {
		log.Error().Err(err).Msg("building fanout event")
		return b
	}
	b.events = append(b.events, event)
	return b
}

// Versions returns the entity versions contained in a snapshot, keyed
// like fanout.Event.EntityKey, for seeding a fanout.Merger after a full
// reload.
func (s Snapshot) Versions() map[string]int64 {
	versions := make(map[string]int64, 1+2*len(s.Roster))
	versions[string(fanout.EntityOpportunity)+"/"+s.Opportunity.ID] = s.Opportunity.Version
	for _, entry := range s.Roster {
		versions[string(fanout.EntitySignup)+"/"+entry.Signup.ID] = entry.Signup.Version
		versions[string(fanout.EntityCheckIn)+"/"+entry.CheckIn.SignupID] = entry.CheckIn.Version
	}
	return versions
}
