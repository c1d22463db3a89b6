// Package feed builds the live views shown to volunteers and evacuees on top
// of store subscriptions: the open request list and the current assignment.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"disasterRelief/internal/geo"
	"disasterRelief/internal/metrics"
	"disasterRelief/models"
	"disasterRelief/repository"
)

// OpenRequest is one entry of the volunteer's open request list.
type OpenRequest struct {
	EvacueeID         string              `json:"id"`
	Email             string              `json:"email"`
	HelpCategory      models.HelpCategory `json:"helpCategory"`
	PeopleCount       int                 `json:"peopleCount"`
	AdditionalDetails string              `json:"additionalDetails,omitempty"`
	Location          *models.Location    `json:"location,omitempty"`
	RequestTimestamp  *time.Time          `json:"requestTimestamp,omitempty"`
	TimeSince         string              `json:"timeSinceRequest"`
	AccuracyTier      geo.Tier            `json:"accuracyTier,omitempty"`
	DistanceKm        *float64            `json:"distanceKm,omitempty"`
}

// Assignment is what a user sees about their current pairing. For a
// volunteer Counterpart is the evacuee being helped; for an evacuee it is
// unset and Self.AssignedVolunteer carries the volunteer snapshot.
type Assignment struct {
	Self        *models.User `json:"self"`
	Counterpart *models.User `json:"counterpart,omitempty"`
	TimeSince   string       `json:"timeSinceRequest,omitempty"`
	DistanceKm  *float64     `json:"distanceKm,omitempty"`
}

type Feed struct {
	store   repository.UserStore
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	refresh time.Duration
	backoff time.Duration
}

type Option func(*Feed)

func WithLogger(l *slog.Logger) Option { return func(f *Feed) { f.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Feed) { f.metrics = m } }

// WithClock replaces time.Now when deriving request ages.
func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// WithRefresh re-emits the current view every d so ages stay current. 0 disables it.
func WithRefresh(d time.Duration) Option { return func(f *Feed) { f.refresh = d } }

// WithBackoff sets the first delay before re-subscribing after a failure.
func WithBackoff(d time.Duration) Option { return func(f *Feed) { f.backoff = d } }

func New(store repository.UserStore, opts ...Option) *Feed {
	f := &Feed{store: store, log: slog.Default(), now: time.Now, refresh: 30 * time.Second, backoff: 200 * time.Millisecond}
	for _, o := range opts {
		o(f)
	}
	return f
}

// BuildOpenRequests derives the list entries for records and ranks them:
// nearest first when the viewer's position is known, then oldest request.
func BuildOpenRequests(records []*models.User, viewer *models.Location, now time.Time) []OpenRequest {
	out := make([]OpenRequest, 0, len(records))
	for _, u := range records {
		item := OpenRequest{
			EvacueeID:         u.ID,
			Email:             u.Email,
			HelpCategory:      u.HelpCategory,
			PeopleCount:       u.PeopleCount,
			AdditionalDetails: u.AdditionalDetails,
			Location:          u.Location,
			RequestTimestamp:  u.RequestTimestamp,
			TimeSince:         TimeSince(now, u.RequestTimestamp),
		}
		if u.Location != nil {
			item.AccuracyTier = geo.AccuracyTier(u.Location.Accuracy)
			item.DistanceKm = distance(viewer, u.Location)
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].DistanceKm, out[j].DistanceKm
		switch {
		case di != nil && dj != nil && *di != *dj:
			return *di < *dj
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		}
		ti, tj := out[i].RequestTimestamp, out[j].RequestTimestamp
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return out[i].EvacueeID < out[j].EvacueeID
	})
	return out
}

func distance(from, to *models.Location) *float64 {
	if from == nil || to == nil {
		return nil
	}
	d, err := geo.DistanceKm(geo.Point{Lat: from.Lat, Lng: from.Lng}, geo.Point{Lat: to.Lat, Lng: to.Lng})
	if err != nil {
		return nil
	}
	return &d
}

// BuildAssignment derives the assignment view of self, with counterpart being
// the evacuee a volunteer is helping.
func BuildAssignment(self, counterpart *models.User, now time.Time) Assignment {
	a := Assignment{Self: self}
	switch {
	case self.IsVolunteer() && counterpart != nil && self.CurrentlyHelping == counterpart.ID:
		a.Counterpart = counterpart
		a.TimeSince = TimeSince(now, counterpart.RequestTimestamp)
		a.DistanceKm = distance(self.Location, counterpart.Location)
	case self.IsEvacuee() && self.AssignedVolunteer != nil:
		a.TimeSince = TimeSince(now, self.RequestTimestamp)
		a.DistanceKm = distance(self.Location, self.AssignedVolunteer.Location)
	}
	return a
}

// SnapshotOpenRequests is the one-shot form of OpenRequests.
func (f *Feed) SnapshotOpenRequests(ctx context.Context, viewer *models.Location) ([]OpenRequest, error) {
	list, err := f.store.ListByStatus(ctx, models.StatusWaitingForHelp)
	if err != nil {
		return nil, err
	}
	q := repository.OpenRequests()
	open := list[:0]
	for _, u := range list {
		if q.Matches(u) {
			open = append(open, u)
		}
	}
	return BuildOpenRequests(open, viewer, f.now()), nil
}

// SnapshotAssignment is the one-shot form of MyAssignment.
func (f *Feed) SnapshotAssignment(ctx context.Context, userID string) (Assignment, error) {
	self, err := f.store.Get(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	var counterpart *models.User
	if self.IsVolunteer() && self.CurrentlyHelping != "" {
		counterpart, err = f.store.Get(ctx, self.CurrentlyHelping)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Assignment{}, err
		}
	}
	return BuildAssignment(self, counterpart, f.now()), nil
}

// view is the goroutine plumbing shared by both live views.
type view[T any] struct {
	updates chan T
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	err     error
}

func newView[T any](ctx context.Context) (*view[T], context.Context) {
	vctx, cancel := context.WithCancel(ctx)
	return &view[T]{updates: make(chan T), cancel: cancel, done: make(chan struct{})}, vctx
}

// Updates yields a new value on every change. It is closed when the view ends.
func (v *view[T]) Updates() <-chan T { return v.updates }

// Close ends the view; nothing is delivered after it returns.
func (v *view[T]) Close() {
	v.cancel()
	<-v.done
}

// Err reports why the view ended on its own, nil after Close.
func (v *view[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *view[T]) fail(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

func (v *view[T]) send(ctx context.Context, val T) bool {
	select {
	case v.updates <- val:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed) ticker() (<-chan time.Time, func()) {
	if f.refresh <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(f.refresh)
	return t.C, t.Stop
}

// retry calls subscribe until it succeeds, the store is closed or ctx ends.
func retry[S any](ctx context.Context, f *Feed, what string, subscribe func() (S, error)) (S, error) {
	delay := f.backoff
	for {
		s, err := subscribe()
		if err == nil {
			return s, nil
		}
		var zero S
		if errors.Is(err, repository.ErrClosed) || errors.Is(err, repository.ErrNotFound) {
			return zero, err
		}
		f.log.WarnContext(ctx, "resubscribe failed", "view", what, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}

// OpenRequestsView is the live open request list.
type OpenRequestsView struct {
	*view[[]OpenRequest]
	viewer chan *models.Location
}

// SetViewer updates the position used for distances and re-ranks the list.
// It never blocks: a position the view has not picked up yet is replaced.
func (v *OpenRequestsView) SetViewer(loc *models.Location) {
	for {
		select {
		case v.viewer <- loc:
			return
		case <-v.done:
			return
		default:
		}
		select {
		case <-v.viewer:
		default:
		}
	}
}

// OpenRequests subscribes to waiting requests. The first value is the current
// list; the last known list is kept across re-subscriptions.
func (f *Feed) OpenRequests(ctx context.Context, viewer *models.Location) (*OpenRequestsView, error) {
	sub, err := f.store.SubscribeQuery(ctx, repository.OpenRequests())
	if err != nil {
		return nil, err
	}
	base, vctx := newView[[]OpenRequest](ctx)
	v := &OpenRequestsView{view: base, viewer: make(chan *models.Location, 1)}
	f.metrics.ViewOpened()
	go f.runOpenRequests(vctx, v, sub, viewer)
	return v, nil
}

func (f *Feed) runOpenRequests(ctx context.Context, v *OpenRequestsView, sub *repository.QuerySubscription, viewer *models.Location) {
	defer f.metrics.ViewClosed()
	defer close(v.done)
	defer close(v.updates)
	defer func() { sub.Close() }()
	tick, stop := f.ticker()
	defer stop()

	var last []*models.User
	have := false
	emit := func() bool {
		if !have {
			return true
		}
		return v.send(ctx, BuildOpenRequests(last, viewer, f.now()))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case set, ok := <-sub.Updates():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				f.log.WarnContext(ctx, "open requests subscription ended", "error", sub.Err())
				next, err := retry(ctx, f, "open_requests", func() (*repository.QuerySubscription, error) {
					return f.store.SubscribeQuery(ctx, repository.OpenRequests())
				})
				if err != nil {
					if ctx.Err() == nil {
						v.fail(err)
					}
					return
				}
				sub = next
				continue
			}
			last, have = set, true
			if !emit() {
				return
			}
		case loc := <-v.viewer:
			viewer = loc
			if !emit() {
				return
			}
		case <-tick:
			if !emit() {
				return
			}
		}
	}
}

// AssignmentView is the live view of a user's current assignment.
type AssignmentView struct {
	*view[Assignment]
}

// MyAssignment follows userID's record. For a volunteer it also follows the
// evacuee referenced by currentlyHelping and re-targets when that changes.
func (f *Feed) MyAssignment(ctx context.Context, userID string) (*AssignmentView, error) {
	self, err := f.store.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}
	base, vctx := newView[Assignment](ctx)
	v := &AssignmentView{view: base}
	f.metrics.ViewOpened()
	go f.runAssignment(vctx, v, userID, self)
	return v, nil
}

func (f *Feed) runAssignment(ctx context.Context, v *AssignmentView, userID string, selfSub *repository.Subscription) {
	defer f.metrics.ViewClosed()
	defer close(v.done)
	defer close(v.updates)
	var target *repository.Subscription
	defer func() {
		selfSub.Close()
		if target != nil {
			target.Close()
		}
	}()
	tick, stop := f.ticker()
	defer stop()

	var self, counterpart *models.User
	emit := func() bool {
		if self == nil {
			return true
		}
		return v.send(ctx, BuildAssignment(self, counterpart, f.now()))
	}
	retarget := func() {
		want := ""
		if self.IsVolunteer() {
			want = self.CurrentlyHelping
		}
		if target != nil && target.ID == want {
			return
		}
		if target != nil {
			target.Close()
			target = nil
		}
		counterpart = nil
		if want == "" {
			return
		}
		sub, err := f.store.Subscribe(ctx, want)
		if err != nil {
			f.log.WarnContext(ctx, "follow assigned evacuee failed", "user_id", userID, "evacuee_id", want, "error", err)
			return
		}
		target = sub
	}
	targetUpdates := func() <-chan *models.User {
		if target == nil {
			return nil
		}
		return target.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-selfSub.Updates():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next, err := retry(ctx, f, "assignment", func() (*repository.Subscription, error) {
					return f.store.Subscribe(ctx, userID)
				})
				if err != nil {
					if ctx.Err() == nil {
						v.fail(err)
					}
					return
				}
				selfSub = next
				continue
			}
			self = u
			retarget()
			if !emit() {
				return
			}
		case u, ok := <-targetUpdates():
			if !ok {
				// Re-follow on the next own-record update or right away.
				target = nil
				if self != nil && ctx.Err() == nil {
					retarget()
				}
				continue
			}
			counterpart = u
			if !emit() {
				return
			}
		case <-tick:
			if !emit() {
				return
			}
		}
	}
}
