package appoint

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
)

// Decision is an owner's answer to a nomination.
type Decision int

const (
	Approve Decision = iota
	Deny
)

// Protocol runs the owner-appointment state machine: nominate, collect
// unanimous approval, commit. A single deny terminates the appointment
// immediately; outstanding votes become moot. Vote handling on a given
// appointment is serialized by a per-appointment lock since vote counting and
// the terminal transition are not otherwise atomic.
type Protocol struct {
	mu     sync.RWMutex
	active map[uuid.UUID]*tracked
	// archive keeps terminal appointments immutable and queryable.
	archive map[uuid.UUID]*models.Appointment
	// denied remembers store -> nominee pairs that were vetoed, so a vetoed
	// user cannot simply be re-nominated.
	denied map[uuid.UUID]map[string]bool
	log    *logrus.Entry
}

type tracked struct {
	mu   sync.Mutex
	appt *models.Appointment
}

// NewProtocol creates an empty protocol instance.
func NewProtocol() *Protocol {
	return &Protocol{
		active:  make(map[uuid.UUID]*tracked),
		archive: make(map[uuid.UUID]*models.Appointment),
		denied:  make(map[uuid.UUID]map[string]bool),
		log:     logrus.WithField("component", "appoint"),
	}
}

// Restore loads a previously persisted appointment (terminal or pending)
// back into the protocol on process start.
func (p *Protocol) Restore(appt *models.Appointment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if appt.State == models.AppointmentPending {
		p.active[appt.ID] = &tracked{appt: appt}
		return
	}
	p.archive[appt.ID] = appt
	if appt.State == models.AppointmentDenied {
		p.markDeniedLocked(appt.StoreID, appt.Nominee)
	}
}

// Nominate opens a Pending appointment for nominee, seeded with a pending
// vote for every current owner except the nominee.
func (p *Protocol) Nominate(storeID uuid.UUID, nominator, nominee string, owners []string) (*models.Appointment, error) {
	if nominee == nominator {
		return nil, apperr.Validation(nominee, "a user cannot nominate themselves")
	}
	for _, owner := range owners {
		if owner == nominee {
			return nil, apperr.Conflict(nominee, "user is already an owner of this store")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.denied[storeID][nominee] {
		return nil, apperr.Conflict(nominee, "a previously denied nominee cannot be re-nominated")
	}
	for _, tr := range p.active {
		if tr.appt.StoreID == storeID && tr.appt.Nominee == nominee {
			return nil, apperr.Conflict(nominee, "nomination already pending")
		}
	}

	votes := make(map[string]models.Vote, len(owners))
	for _, owner := range owners {
		votes[owner] = models.VotePending
	}
	appt := &models.Appointment{
		ID:        uuid.New(),
		StoreID:   storeID,
		Nominator: nominator,
		Nominee:   nominee,
		Votes:     votes,
		State:     models.AppointmentPending,
		CreatedAt: time.Now().UTC(),
	}
	p.active[appt.ID] = &tracked{appt: appt}

	p.log.WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"store_id":       storeID,
		"nominee":        nominee,
		"voters":         len(votes),
	}).Info("owner nomination opened")
	return appt, nil
}

// Vote records one owner's decision. The returned appointment reflects the
// state after the vote; decided reports whether this vote made the state
// terminal (Committed on the last approval, Denied on the first veto).
func (p *Protocol) Vote(apptID uuid.UUID, voter string, decision Decision) (appt *models.Appointment, decided bool, err error) {
	p.mu.RLock()
	tr, ok := p.active[apptID]
	p.mu.RUnlock()
	if !ok {
		if _, archived := p.lookupArchived(apptID); archived {
			return nil, false, apperr.Conflict(apptID.String(), "appointment already decided")
		}
		return nil, false, apperr.NotFound(apptID.String(), "appointment not found")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	appt = tr.appt

	if appt.State != models.AppointmentPending {
		return nil, false, apperr.Conflict(apptID.String(), "appointment already decided")
	}
	vote, isVoter := appt.Votes[voter]
	if !isVoter {
		return nil, false, apperr.Forbidden(voter, "user is not a voter on this appointment")
	}
	if vote != models.VotePending {
		return nil, false, apperr.Conflict(voter, "owner has already voted")
	}

	if decision == Deny {
		// First veto wins; everyone else's pending vote is moot.
		appt.Votes[voter] = models.VoteDeny
		p.finish(appt, models.AppointmentDenied)
		return appt, true, nil
	}

	appt.Votes[voter] = models.VoteApprove
	for _, v := range appt.Votes {
		if v != models.VoteApprove {
			return appt, false, nil
		}
	}
	p.finish(appt, models.AppointmentCommitted)
	return appt, true, nil
}

// Get returns an appointment, active or archived.
func (p *Protocol) Get(apptID uuid.UUID) (*models.Appointment, error) {
	p.mu.RLock()
	tr, ok := p.active[apptID]
	p.mu.RUnlock()
	if ok {
		return tr.appt, nil
	}
	if appt, archived := p.lookupArchived(apptID); archived {
		return appt, nil
	}
	return nil, apperr.NotFound(apptID.String(), "appointment not found")
}

// PendingForStore lists the store's pending appointments.
func (p *Protocol) PendingForStore(storeID uuid.UUID) []*models.Appointment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Appointment
	for _, tr := range p.active {
		if tr.appt.StoreID == storeID {
			out = append(out, tr.appt)
		}
	}
	return out
}

func (p *Protocol) lookupArchived(apptID uuid.UUID) (*models.Appointment, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	appt, ok := p.archive[apptID]
	return appt, ok
}

func (p *Protocol) finish(appt *models.Appointment, state models.AppointmentState) {
	appt.State = state
	appt.DecidedAt = time.Now().UTC()

	p.mu.Lock()
	delete(p.active, appt.ID)
	p.archive[appt.ID] = appt
	if state == models.AppointmentDenied {
		p.markDeniedLocked(appt.StoreID, appt.Nominee)
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"store_id":       appt.StoreID,
		"nominee":        appt.Nominee,
		"state":          state.String(),
	}).Info("owner appointment decided")
}

func (p *Protocol) markDeniedLocked(storeID uuid.UUID, nominee string) {
	if p.denied[storeID] == nil {
		p.denied[storeID] = make(map[string]bool)
	}
	p.denied[storeID][nominee] = true
}
