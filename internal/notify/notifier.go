// Package notify turns committed record changes into user-facing events.
// It only observes the store and never writes to it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"disasterRelief/internal/coordinator"
	"disasterRelief/internal/events"
	"disasterRelief/internal/metrics"
	"disasterRelief/models"
	"disasterRelief/repository"
)

const (
	TypeRequestSubmitted    = "request_submitted"
	TypeRequestCanceled     = "request_canceled"
	TypeRequestReopened     = "request_reopened"
	TypeRequestReset        = "request_reset"
	TypeOfferReceived       = "offer_received"
	TypeHelpCompleted       = "help_completed"
	TypeOfferSent           = "offer_sent"
	TypeAssignmentCompleted = "assignment_completed"
	TypeAssignmentReleased  = "assignment_released"
	TypeError               = "error"
)

// Event is the notification derived from one record change.
type Event struct {
	Type   string
	UserID string
	Data   map[string]any
}

// Derive returns the notification implied by a record moving from prev to
// next. The first observation of a record (prev nil) and changes that keep
// the status (location updates) produce nothing.
func Derive(prev, next *models.User) (Event, bool) {
	if prev == nil || next == nil || prev.Status == next.Status {
		return Event{}, false
	}
	e := Event{UserID: next.ID, Data: map[string]any{}}
	if next.IsVolunteer() {
		switch {
		case next.Status == models.StatusHelping:
			e.Type = TypeOfferSent
			e.Data["evacuee_id"] = next.CurrentlyHelping
			e.Data["message"] = "Help offer sent to evacuee"
		case prev.Status == models.StatusHelping && next.TotalHelped > prev.TotalHelped:
			e.Type = TypeAssignmentCompleted
			e.Data["evacuee_id"] = prev.CurrentlyHelping
			e.Data["total_helped"] = sanitizeCount(next.TotalHelped)
			e.Data["message"] = "Evacuee marked as helped"
		case prev.Status == models.StatusHelping:
			e.Type = TypeAssignmentReleased
			e.Data["evacuee_id"] = prev.CurrentlyHelping
			e.Data["message"] = "Assignment released"
		default:
			return Event{}, false
		}
		return e, true
	}

	switch next.Status {
	case models.StatusWaitingForHelp:
		if prev.Status == models.StatusHelpComing {
			e.Type = TypeRequestReopened
			e.Data["message"] = "Your volunteer could not continue; your request is open again"
		} else {
			e.Type = TypeRequestSubmitted
			e.Data["category"] = string(next.HelpCategory)
			e.Data["people_count"] = next.PeopleCount
			e.Data["message"] = "Help request sent! Volunteers will be notified."
		}
	case models.StatusHelpComing:
		e.Type = TypeOfferReceived
		if av := next.AssignedVolunteer; av != nil {
			e.Data["volunteer_id"] = av.ID
			e.Data["volunteer_email"] = av.Email
		}
		e.Data["message"] = "A volunteer is on the way"
	case models.StatusHelped:
		e.Type = TypeHelpCompleted
		if next.LastHelpedBy != nil {
			e.Data["volunteer_id"] = next.LastHelpedBy.ID
		}
		e.Data["message"] = "You have been marked as helped"
	case models.StatusRequestCanceled:
		e.Type = TypeRequestCanceled
		e.Data["message"] = "Help request canceled."
	case models.StatusSafe:
		e.Type = TypeRequestReset
		e.Data["message"] = "You are marked safe"
	default:
		return Event{}, false
	}
	return e, true
}

// sanitizeCount clamps a helped counter that is negative to zero.
func sanitizeCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

type Notifier struct {
	store   repository.UserStore
	pub     events.Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	backoff time.Duration
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option { return func(n *Notifier) { n.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(n *Notifier) { n.metrics = m } }

func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

func New(store repository.UserStore, pub events.Publisher, opts ...Option) *Notifier {
	n := &Notifier{store: store, pub: pub, log: slog.Default(), now: time.Now, backoff: 500 * time.Millisecond}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Run emits one event per observed change until ctx is done or the store is
// closed. A dropped change stream is re-opened after a pause.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, repository.ErrClosed) {
			return err
		}
		n.log.WarnContext(ctx, "change stream ended, resubscribing", "error", err, "retry_in", n.backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.backoff):
		}
	}
}

func (n *Notifier) watch(ctx context.Context) error {
	sub, err := n.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	// The snapshot and the stream meet at one commit point, so every update is
	// a change against the snapshot or an earlier update.
	prev := map[string]*models.User{}
	for _, u := range sub.Snapshot() {
		prev[u.ID] = u
	}
	n.log.InfoContext(ctx, "notifier watching changes", "records", len(prev))

	for u := range sub.Updates() {
		p := prev[u.ID]
		if p != nil && u.Version <= p.Version {
			continue
		}
		prev[u.ID] = u
		e, ok := Derive(p, u)
		if !ok {
			continue
		}
		n.emit(ctx, e)
	}
	return sub.Err()
}

// ReportError notifies userID that op failed. It satisfies coordinator.ErrorReporter.
func (n *Notifier) ReportError(ctx context.Context, userID, op string, err error) {
	if err == nil || userID == "" {
		return
	}
	n.emit(ctx, Event{
		Type:   TypeError,
		UserID: userID,
		Data: map[string]any{
			"op":      op,
			"code":    string(coordinator.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

func (n *Notifier) emit(ctx context.Context, e Event) {
	ev := events.NewEvent(e.Type, e.UserID, e.Data, n.now())
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.log.ErrorContext(ctx, "notification dropped", "type", e.Type, "user_id", e.UserID, "error", err)
		return
	}
	n.metrics.Published(e.Type)
}
