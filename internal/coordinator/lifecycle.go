package coordinator

import (
	"context"
	"errors"

	"disasterRelief/internal/geo"
	"disasterRelief/internal/location"
	"disasterRelief/models"
	"disasterRelief/repository"
)

var transitions = map[models.Status][]models.Status{
	models.StatusSafe:            {models.StatusWaitingForHelp},
	models.StatusWaitingForHelp:  {models.StatusHelpComing, models.StatusRequestCanceled},
	models.StatusHelpComing:      {models.StatusHelped, models.StatusRequestCanceled, models.StatusWaitingForHelp},
	models.StatusHelped:          {models.StatusSafe},
	models.StatusRequestCanceled: {models.StatusSafe},
	models.StatusIdle:            {models.StatusHelping},
	models.StatusHelping:         {models.StatusIdle},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RegisterInput is the account data written at registration.
type RegisterInput struct {
	ID    string      `json:"id" validate:"required,max=128"`
	Email string      `json:"email" validate:"required,email"`
	Role  models.Role `json:"role" validate:"required,role"`
}

// SubmitInput is the metadata of a help request.
type SubmitInput struct {
	Category    models.HelpCategory `json:"helpCategory" validate:"required,help_category"`
	PeopleCount int                 `json:"peopleCount" validate:"min=1,max=10000"`
	Details     string              `json:"additionalDetails" validate:"max=2000"`
}

// Register creates the baseline record for a new account.
func (c *Coordinator) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	const op = "register"
	if err := c.validateInput(in); err != nil {
		return nil, c.finish(ctx, op, in.ID, err)
	}
	u := models.NewUser(in.ID, in.Email, in.Role, c.now())
	err := c.store.Transact(ctx, []string{in.ID}, func(txn repository.Txn) error {
		if _, err := txn.Get(in.ID); err == nil {
			return newError(CodeInvalidState, "user %s already registered", in.ID)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		txn.Put(u)
		return nil
	})
	if err != nil {
		return nil, c.finish(ctx, op, in.ID, err)
	}
	return u, c.finish(ctx, op, in.ID, nil)
}

// SubmitRequest turns a safe evacuee into an open help request at their current
// location. Input and fix accuracy are checked before anything is written.
func (c *Coordinator) SubmitRequest(ctx context.Context, evacueeID string, in SubmitInput, p location.Provider) error {
	const op = "submit_request"
	if err := c.validateInput(in); err != nil {
		return c.finish(ctx, op, evacueeID, err)
	}
	fix, err := c.fix(ctx, p)
	if err != nil {
		return c.finish(ctx, op, evacueeID, err)
	}
	if !geo.AcceptableAccuracy(fix.Accuracy, c.maxAccuracy) {
		return c.finish(ctx, op, evacueeID, newError(CodeInvalidInput, "location accuracy %.0fm is worse than %.0fm", fix.Accuracy, c.ceiling()))
	}
	now := c.now().UTC()
	err = c.store.Transact(ctx, []string{evacueeID}, func(txn repository.Txn) error {
		ev, err := txn.Get(evacueeID)
		if err != nil {
			return err
		}
		if !ev.IsEvacuee() {
			return newError(CodeInvalidState, "only evacuees can request help")
		}
		if ev.Status != models.StatusSafe {
			return newError(CodeInvalidState, "cannot request help while %s", ev.Status)
		}
		loc := fix
		ev.Status = models.StatusWaitingForHelp
		ev.NeedsHelp = true
		ev.Location = &loc
		ev.HelpCategory = in.Category
		ev.PeopleCount = in.PeopleCount
		ev.AdditionalDetails = in.Details
		ev.RequestTimestamp = &now
		txn.Put(ev)
		return nil
	})
	return c.finish(ctx, op, evacueeID, err)
}

func (c *Coordinator) ceiling() float64 {
	if c.maxAccuracy <= 0 {
		return geo.MaxAccuracyMeters
	}
	return c.maxAccuracy
}

// CancelRequest withdraws an open request. A bound volunteer is released in
// the same transaction.
func (c *Coordinator) CancelRequest(ctx context.Context, evacueeID string) error {
	const op = "cancel_request"
	err := c.store.Transact(ctx, []string{evacueeID}, func(txn repository.Txn) error {
		ev, err := txn.Get(evacueeID)
		if err != nil {
			return err
		}
		if !ev.IsEvacuee() || !CanTransition(ev.Status, models.StatusRequestCanceled) {
			return newError(CodeInvalidState, "no open request to cancel (%s)", ev.Status)
		}
		return release(txn, ev, ReasonCanceled)
	})
	return c.finish(ctx, op, evacueeID, err)
}

// Reset returns a finished request (helped or canceled) to safe so a new one
// can be submitted. Location and lastHelpedBy are kept.
func (c *Coordinator) Reset(ctx context.Context, evacueeID string) error {
	const op = "reset"
	err := c.store.Transact(ctx, []string{evacueeID}, func(txn repository.Txn) error {
		ev, err := txn.Get(evacueeID)
		if err != nil {
			return err
		}
		if !ev.IsEvacuee() || !CanTransition(ev.Status, models.StatusSafe) {
			return newError(CodeInvalidState, "cannot reset while %s", ev.Status)
		}
		ev.Status = models.StatusSafe
		ev.NeedsHelp = false
		ev.HelpCategory = ""
		ev.PeopleCount = 0
		ev.AdditionalDetails = ""
		ev.RequestTimestamp = nil
		txn.Put(ev)
		return nil
	})
	return c.finish(ctx, op, evacueeID, err)
}

// UpdateLocation records the caller's current position, last writer wins.
// The request accuracy ceiling does not apply to plain location updates.
func (c *Coordinator) UpdateLocation(ctx context.Context, userID string, p location.Provider) error {
	const op = "update_location"
	fix, err := c.fix(ctx, p)
	if err != nil {
		return c.finish(ctx, op, userID, err)
	}
	return c.finish(ctx, op, userID, c.store.UpdateLocation(ctx, userID, fix))
}
