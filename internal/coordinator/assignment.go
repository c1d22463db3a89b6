package coordinator

import (
	"context"

	"disasterRelief/internal/location"
	"disasterRelief/models"
	"disasterRelief/repository"
)

// ReleaseReason says why an assignment was torn down without completion.
type ReleaseReason string

const (
	// ReasonCanceled: the evacuee withdrew the request.
	ReasonCanceled ReleaseReason = "canceled"
	// ReasonAbandoned: the volunteer gave up; the request is open again.
	ReasonAbandoned ReleaseReason = "abandoned"
)

// OfferHelp pairs a volunteer with a waiting evacuee. Both records are read and
// written in one transaction, so of several volunteers racing for the same
// evacuee exactly one wins and the others get AlreadyClaimed.
func (c *Coordinator) OfferHelp(ctx context.Context, volunteerID, evacueeID string, p location.Provider) error {
	const op = "offer_help"
	fix, err := c.fix(ctx, p)
	if err != nil {
		return c.finish(ctx, op, volunteerID, err)
	}
	now := c.now().UTC()
	err = c.store.Transact(ctx, []string{evacueeID, volunteerID}, func(txn repository.Txn) error {
		vol, err := txn.Get(volunteerID)
		if err != nil {
			return err
		}
		if !vol.IsVolunteer() {
			return newError(CodeInvalidState, "only volunteers can offer help")
		}
		ev, err := txn.Get(evacueeID)
		if err != nil {
			return err
		}
		if !ev.IsEvacuee() {
			return newError(CodeInvalidState, "%s is not an evacuee", evacueeID)
		}
		if ev.Status != models.StatusWaitingForHelp || ev.AssignedVolunteer != nil {
			return newError(CodeAlreadyClaimed, "request of %s is no longer open", evacueeID)
		}
		if vol.CurrentlyHelping != "" || vol.Status != models.StatusIdle {
			return newError(CodeInvalidState, "volunteer is already helping %s", vol.CurrentlyHelping)
		}

		// The evacuee sees where the volunteer was last seen before this offer.
		var prevLast *models.Location
		if vol.LastKnownLocation != nil {
			l := *vol.LastKnownLocation
			prevLast = &l
		}
		current := fix
		vol.Location = &current
		lastKnown := fix
		vol.LastKnownLocation = &lastKnown
		vol.Status = models.StatusHelping
		vol.CurrentlyHelping = evacueeID

		snap := fix
		ev.Status = models.StatusHelpComing
		ev.NeedsHelp = true
		ev.AssignedVolunteer = &models.AssignedVolunteer{
			ID:                vol.ID,
			Email:             vol.Email,
			Location:          &snap,
			LastKnownLocation: prevLast,
			AssignedAt:        now,
		}
		txn.Put(ev)
		txn.Put(vol)
		return nil
	})
	return c.finish(ctx, op, volunteerID, err)
}

// CompleteAssignment closes an assignment as helped. Both sides must still
// reference each other; a repeated call fails with NotAssigned.
func (c *Coordinator) CompleteAssignment(ctx context.Context, volunteerID, evacueeID string) error {
	const op = "complete_assignment"
	now := c.now().UTC()
	err := c.store.Transact(ctx, []string{evacueeID, volunteerID}, func(txn repository.Txn) error {
		ev, vol, err := boundPair(txn, volunteerID, evacueeID)
		if err != nil {
			return err
		}
		ev.Status = models.StatusHelped
		ev.NeedsHelp = false
		ev.AssignedVolunteer = nil
		ev.LastHelpedBy = &models.LastHelpedBy{ID: vol.ID, CompletedAt: now}

		vol.Status = models.StatusIdle
		vol.CurrentlyHelping = ""
		if vol.TotalHelped < 0 {
			vol.TotalHelped = 0
		}
		vol.TotalHelped++
		txn.Put(ev)
		txn.Put(vol)
		return nil
	})
	return c.finish(ctx, op, volunteerID, err)
}

// Release tears down the assignment of an evacuee without counting it as help.
func (c *Coordinator) Release(ctx context.Context, evacueeID string, reason ReleaseReason) error {
	op := "release_" + string(reason)
	if reason != ReasonCanceled && reason != ReasonAbandoned {
		return c.finish(ctx, op, evacueeID, newError(CodeInvalidInput, "unknown release reason %q", reason))
	}
	err := c.store.Transact(ctx, []string{evacueeID}, func(txn repository.Txn) error {
		ev, err := txn.Get(evacueeID)
		if err != nil {
			return err
		}
		if ev.Status != models.StatusHelpComing || ev.AssignedVolunteer == nil {
			return newError(CodeNotAssigned, "%s has no assigned volunteer", evacueeID)
		}
		return release(txn, ev, reason)
	})
	return c.finish(ctx, op, evacueeID, err)
}

// Abandon lets a volunteer give up an assignment; the request re-opens.
func (c *Coordinator) Abandon(ctx context.Context, volunteerID, evacueeID string) error {
	const op = "abandon"
	err := c.store.Transact(ctx, []string{evacueeID, volunteerID}, func(txn repository.Txn) error {
		ev, _, err := boundPair(txn, volunteerID, evacueeID)
		if err != nil {
			return err
		}
		return release(txn, ev, ReasonAbandoned)
	})
	return c.finish(ctx, op, volunteerID, err)
}

// boundPair reads both records and checks they reference each other.
func boundPair(txn repository.Txn, volunteerID, evacueeID string) (*models.User, *models.User, error) {
	vol, err := txn.Get(volunteerID)
	if err != nil {
		return nil, nil, err
	}
	ev, err := txn.Get(evacueeID)
	if err != nil {
		return nil, nil, err
	}
	if !vol.IsVolunteer() || vol.CurrentlyHelping != evacueeID {
		return nil, nil, newError(CodeNotAssigned, "volunteer %s is not helping %s", volunteerID, evacueeID)
	}
	if ev.AssignedVolunteer == nil || ev.AssignedVolunteer.ID != volunteerID {
		return nil, nil, newError(CodeNotAssigned, "%s is not assigned to volunteer %s", evacueeID, volunteerID)
	}
	return ev, vol, nil
}

// release clears both sides of ev's assignment, if any, and moves ev to the
// status the reason implies. The volunteer is only touched when it still
// points back at ev.
func release(txn repository.Txn, ev *models.User, reason ReleaseReason) error {
	if av := ev.AssignedVolunteer; av != nil {
		vol, err := txn.Get(av.ID)
		if err != nil && CodeOf(err) != CodeNotFound {
			return err
		}
		if err == nil && vol.CurrentlyHelping == ev.ID {
			vol.CurrentlyHelping = ""
			vol.Status = models.StatusIdle
			txn.Put(vol)
		}
	}
	ev.AssignedVolunteer = nil
	switch reason {
	case ReasonAbandoned:
		ev.Status = models.StatusWaitingForHelp
		ev.NeedsHelp = true
	default:
		ev.Status = models.StatusRequestCanceled
		ev.NeedsHelp = false
	}
	txn.Put(ev)
	return nil
}
