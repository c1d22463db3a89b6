package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"disasterRelief/internal/coordinator"
	"disasterRelief/internal/geo"
	"disasterRelief/internal/location"
	"disasterRelief/internal/testutil"
	"disasterRelief/models"
	"disasterRelief/repository"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTimeSince(t *testing.T) {
	ts := func(d time.Duration) *time.Time { v := base.Add(-d); return &v }
	cases := []struct {
		ts   *time.Time
		want string
	}{
		{nil, "unknown time ago"},
		{&time.Time{}, "unknown time ago"},
		{ts(30 * time.Second), "30 seconds ago"},
		{ts(60 * time.Second), "60 seconds ago"},
		{ts(90 * time.Second), "1 minutes ago"},
		{ts(time.Hour), "60 minutes ago"},
		{ts(2*time.Hour + 5*time.Minute), "2 hours ago"},
		{ts(3 * 24 * time.Hour), "3 days ago"},
		{ts(40 * 24 * time.Hour), "1 months ago"},
		{ts(400 * 24 * time.Hour), "1 years ago"},
		{ts(-time.Minute), "0 seconds ago"},
	}
	for _, tc := range cases {
		if got := TimeSince(base, tc.ts); got != tc.want {
			t.Fatalf("TimeSince(%v) = %q, want %q", tc.ts, got, tc.want)
		}
	}
}

func request(id string, lat, lng, accuracy float64, age time.Duration) *models.User {
	u := models.NewUser(id, id+"@example.org", models.RoleEvacuee, base)
	u.Status = models.StatusWaitingForHelp
	u.NeedsHelp = true
	u.PeopleCount = 1
	u.HelpCategory = models.CategoryMedical
	u.Location = &models.Location{Lat: lat, Lng: lng, Accuracy: accuracy}
	ts := base.Add(-age)
	u.RequestTimestamp = &ts
	return u
}

func TestBuildOpenRequestsRanking(t *testing.T) {
	far := request("far", 0, 2, 20, time.Hour)
	near := request("near", 0, 1, 80, time.Minute)
	noLoc := request("noloc", 0, 0, 0, 2*time.Hour)
	noLoc.Location = nil

	list := BuildOpenRequests([]*models.User{far, noLoc, near}, nil, base)
	if list[0].EvacueeID != "noloc" || list[1].EvacueeID != "far" || list[2].EvacueeID != "near" {
		t.Fatalf("without a viewer the oldest request comes first: %v", idsOf(list))
	}

	viewer := &models.Location{Lat: 0, Lng: 0}
	list = BuildOpenRequests([]*models.User{far, noLoc, near}, viewer, base)
	if list[0].EvacueeID != "near" || list[1].EvacueeID != "far" || list[2].EvacueeID != "noloc" {
		t.Fatalf("with a viewer the nearest request comes first: %v", idsOf(list))
	}
	if list[0].DistanceKm == nil || *list[0].DistanceKm != 111.2 {
		t.Fatalf("expected 111.2 km, got %v", list[0].DistanceKm)
	}
	if list[0].AccuracyTier != geo.TierFair || list[1].AccuracyTier != geo.TierGood || list[2].AccuracyTier != "" {
		t.Fatalf("unexpected tiers: %+v", list)
	}
	if list[0].TimeSince != "60 seconds ago" {
		t.Fatalf("unexpected age: %q", list[0].TimeSince)
	}
}

func idsOf(list []OpenRequest) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.EvacueeID
	}
	return out
}

func newStore(t *testing.T) repository.UserStore {
	t.Helper()
	s := repository.NewSQLiteStore(testutil.OpenFreshDB(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recvList(t *testing.T, ch <-chan []OpenRequest) []OpenRequest {
	t.Helper()
	select {
	case l, ok := <-ch:
		if !ok {
			t.Fatalf("view closed")
		}
		return l
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for list")
	}
	return nil
}

func recvAssignment(t *testing.T, ch <-chan Assignment) Assignment {
	t.Helper()
	select {
	case a, ok := <-ch:
		if !ok {
			t.Fatalf("view closed")
		}
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for assignment")
	}
	return Assignment{}
}

func TestOpenRequestsViewFollowsStore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	f := New(store, WithClock(func() time.Time { return base }), WithRefresh(0))
	_ = store.Put(ctx, request("a", 0, 1, 10, 10*time.Minute))

	v, err := f.OpenRequests(ctx, nil)
	if err != nil {
		t.Fatalf("open requests: %v", err)
	}
	if l := recvList(t, v.Updates()); len(l) != 1 || l[0].EvacueeID != "a" || l[0].TimeSince != "10 minutes ago" {
		t.Fatalf("unexpected first list: %+v", l)
	}

	_ = store.Put(ctx, request("b", 0, 0.5, 10, time.Minute))
	if l := recvList(t, v.Updates()); len(l) != 2 || l[0].EvacueeID != "a" {
		t.Fatalf("expected oldest first, got %v", idsOf(l))
	}

	v.SetViewer(&models.Location{Lat: 0, Lng: 0})
	if l := recvList(t, v.Updates()); l[0].EvacueeID != "b" {
		t.Fatalf("expected nearest first after SetViewer, got %v", idsOf(l))
	}

	err = store.Transact(ctx, []string{"b"}, func(txn repository.Txn) error {
		u, _ := txn.Get("b")
		u.Status = models.StatusHelpComing
		txn.Put(u)
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if l := recvList(t, v.Updates()); len(l) != 1 || l[0].EvacueeID != "a" {
		t.Fatalf("claimed request should disappear, got %v", idsOf(l))
	}

	v.Close()
	if _, ok := <-v.Updates(); ok {
		t.Fatalf("expected closed updates after Close")
	}
	if v.Err() != nil {
		t.Fatalf("unexpected error after Close: %v", v.Err())
	}
	v.Close()
}

func TestSetViewerDoesNotWaitForReader(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	f := New(store, WithClock(func() time.Time { return base }), WithRefresh(0))
	_ = store.Put(ctx, request("a", 0, 1, 10, 10*time.Minute))
	_ = store.Put(ctx, request("b", 0, 0.5, 10, time.Minute))

	v, err := f.OpenRequests(ctx, nil)
	if err != nil {
		t.Fatalf("open requests: %v", err)
	}
	defer v.Close()

	// Nobody reads Updates while the viewer moves twice.
	returned := make(chan struct{})
	go func() {
		v.SetViewer(&models.Location{Lat: 0, Lng: 1})
		v.SetViewer(&models.Location{Lat: 0, Lng: 0})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("SetViewer blocked on an unread view")
	}

	// The latest position wins.
	for i := 0; i < 3; i++ {
		l := recvList(t, v.Updates())
		if len(l) == 2 && l[0].EvacueeID == "b" {
			return
		}
	}
	t.Fatalf("view never ranked by the latest viewer position")
}

func TestSnapshotOpenRequests(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	f := New(store, WithClock(func() time.Time { return base }))
	_ = store.Put(ctx, request("a", 0, 1, 10, time.Minute))
	_ = store.Put(ctx, models.NewUser("vol", "vol@example.org", models.RoleVolunteer, base))
	list, err := f.SnapshotOpenRequests(ctx, &models.Location{})
	if err != nil || len(list) != 1 || list[0].DistanceKm == nil {
		t.Fatalf("unexpected snapshot: %+v (%v)", list, err)
	}
}

func TestMyAssignmentFollowsCounterpart(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := coordinator.New(store, coordinator.WithClock(func() time.Time { return base }))
	f := New(store, WithClock(func() time.Time { return base.Add(5 * time.Minute) }), WithRefresh(0))
	for _, in := range []coordinator.RegisterInput{
		{ID: "ev1", Email: "ev1@example.org", Role: models.RoleEvacuee},
		{ID: "vol1", Email: "vol1@example.org", Role: models.RoleVolunteer},
	} {
		if _, err := c.Register(ctx, in); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	evFix := location.Fixed(models.Location{Lat: 0, Lng: 0, Accuracy: 10, Timestamp: base})
	volFix := location.Fixed(models.Location{Lat: 0, Lng: 1, Accuracy: 10, Timestamp: base})
	if err := c.SubmitRequest(ctx, "ev1", coordinator.SubmitInput{Category: models.CategoryMedical, PeopleCount: 2}, evFix); err != nil {
		t.Fatalf("submit: %v", err)
	}

	v, err := f.MyAssignment(ctx, "vol1")
	if err != nil {
		t.Fatalf("my assignment: %v", err)
	}
	defer v.Close()
	if a := recvAssignment(t, v.Updates()); a.Counterpart != nil {
		t.Fatalf("idle volunteer should have no counterpart: %+v", a)
	}

	if err := c.OfferHelp(ctx, "vol1", "ev1", volFix); err != nil {
		t.Fatalf("offer: %v", err)
	}
	var a Assignment
	for a.Counterpart == nil {
		a = recvAssignment(t, v.Updates())
	}
	if a.Counterpart.ID != "ev1" || a.TimeSince != "5 minutes ago" || a.DistanceKm == nil || *a.DistanceKm != 111.2 {
		t.Fatalf("unexpected assignment: %+v", a)
	}

	if err := c.UpdateLocation(ctx, "ev1", location.Fixed(models.Location{Lat: 0, Lng: 0.5, Accuracy: 5, Timestamp: base})); err != nil {
		t.Fatalf("update location: %v", err)
	}
	for a.Counterpart == nil || a.Counterpart.Location.Lng != 0.5 {
		a = recvAssignment(t, v.Updates())
	}

	if err := c.CompleteAssignment(ctx, "vol1", "ev1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for a.Self.Status != models.StatusIdle {
		a = recvAssignment(t, v.Updates())
	}
	if a.Counterpart != nil || a.Self.TotalHelped != 1 {
		t.Fatalf("completed assignment should clear the counterpart: %+v", a)
	}
}

func TestMyAssignmentForEvacuee(t *testing.T) {
	self := request("ev1", 0, 0, 10, time.Minute)
	self.Status = models.StatusHelpComing
	self.AssignedVolunteer = &models.AssignedVolunteer{ID: "vol1", Location: &models.Location{Lat: 0, Lng: 1}}
	a := BuildAssignment(self, nil, base)
	if a.DistanceKm == nil || *a.DistanceKm != 111.2 || a.TimeSince != "1 minutes ago" {
		t.Fatalf("unexpected evacuee assignment: %+v", a)
	}
}

// droppingStore lets a test end live query subscriptions and fail the next
// subscribe attempts, as a lost connection would.
type droppingStore struct {
	repository.UserStore
	mu       sync.Mutex
	cancels  []context.CancelFunc
	failures int
}

func (d *droppingStore) SubscribeQuery(ctx context.Context, q repository.Query) (*repository.QuerySubscription, error) {
	d.mu.Lock()
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, repository.ErrUnavailable
	}
	sctx, cancel := context.WithCancel(ctx)
	d.cancels = append(d.cancels, cancel)
	d.mu.Unlock()
	return d.UserStore.SubscribeQuery(sctx, q)
}

func (d *droppingStore) drop(failNext int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = failNext
	for _, c := range d.cancels {
		c()
	}
	d.cancels = nil
}

func TestOpenRequestsViewResubscribes(t *testing.T) {
	inner := newStore(t)
	store := &droppingStore{UserStore: inner}
	ctx := context.Background()
	f := New(store, WithClock(func() time.Time { return base }), WithRefresh(0), WithBackoff(10*time.Millisecond))
	_ = inner.Put(ctx, request("a", 0, 1, 10, time.Minute))

	v, err := f.OpenRequests(ctx, nil)
	if err != nil {
		t.Fatalf("open requests: %v", err)
	}
	defer v.Close()
	recvList(t, v.Updates())

	store.drop(2)
	_ = inner.Put(ctx, request("b", 0, 1, 10, time.Second))
	var l []OpenRequest
	for len(l) != 2 {
		l = recvList(t, v.Updates())
	}
	if v.Err() != nil {
		t.Fatalf("transient failure should not end the view: %v", v.Err())
	}
}
