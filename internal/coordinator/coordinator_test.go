package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"disasterRelief/internal/location"
	"disasterRelief/internal/metrics"
	tu "disasterRelief/internal/testutil"
	"disasterRelief/models"
	"disasterRelief/repository"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordedError struct {
	userID, op string
	code       Code
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []recordedError
}

func (f *fakeReporter) ReportError(_ context.Context, userID, op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, recordedError{userID: userID, op: op, code: CodeOf(err)})
}

func newSQLiteCoordinator(t *testing.T, opts ...Option) (*Coordinator, repository.UserStore) {
	t.Helper()
	store := repository.NewSQLiteStore(tu.OpenFreshDB(t))
	t.Cleanup(func() { _ = store.Close() })
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(store, opts...), store
}

func newRedisCoordinator(t *testing.T) (*Coordinator, repository.UserStore) {
	t.Helper()
	client, _ := tu.NewRedis(t)
	store, err := repository.NewRedisStore(context.Background(), client, "", nil)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, WithClock(func() time.Time { return testNow })), store
}

func fixAt(lat, lng, accuracy float64) location.Provider {
	return location.Fixed(models.Location{Lat: lat, Lng: lng, Accuracy: accuracy, Timestamp: testNow})
}

func mustRegister(t *testing.T, c *Coordinator, id string, role models.Role) {
	t.Helper()
	if _, err := c.Register(context.Background(), RegisterInput{ID: id, Email: id + "@example.org", Role: role}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func mustGet(t *testing.T, store repository.UserStore, id string) *models.User {
	t.Helper()
	u, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if err := u.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	return u
}

func submit(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	in := SubmitInput{Category: models.CategoryMedical, PeopleCount: 3, Details: "second floor"}
	if err := c.SubmitRequest(context.Background(), id, in, fixAt(0, 0, 25)); err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.Status{
		{models.StatusSafe, models.StatusWaitingForHelp},
		{models.StatusWaitingForHelp, models.StatusHelpComing},
		{models.StatusWaitingForHelp, models.StatusRequestCanceled},
		{models.StatusHelpComing, models.StatusHelped},
		{models.StatusHelpComing, models.StatusRequestCanceled},
		{models.StatusHelpComing, models.StatusWaitingForHelp},
		{models.StatusHelped, models.StatusSafe},
		{models.StatusRequestCanceled, models.StatusSafe},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Fatalf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	denied := [][2]models.Status{
		{models.StatusSafe, models.StatusHelpComing},
		{models.StatusHelped, models.StatusWaitingForHelp},
		{models.StatusRequestCanceled, models.StatusWaitingForHelp},
		{models.StatusWaitingForHelp, models.StatusHelped},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Fatalf("%s -> %s should be denied", p[0], p[1])
		}
	}
}

func TestRegister(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)

	ev := mustGet(t, store, "ev1")
	if ev.Status != models.StatusSafe || ev.NeedsHelp || ev.TotalHelped != 0 {
		t.Fatalf("unexpected evacuee baseline: %+v", ev)
	}
	if vol := mustGet(t, store, "vol1"); vol.Status != models.StatusIdle || vol.CurrentlyHelping != "" {
		t.Fatalf("unexpected volunteer baseline: %+v", vol)
	}

	_, err := c.Register(ctx, RegisterInput{ID: "ev1", Email: "x@example.org", Role: models.RoleEvacuee})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duplicate registration: expected invalid_state, got %v", err)
	}
	_, err = c.Register(ctx, RegisterInput{ID: "x", Email: "x@example.org", Role: "admin"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role: expected invalid_input, got %v", err)
	}
	_, err = c.Register(ctx, RegisterInput{ID: "y", Email: "not-an-email", Role: models.RoleEvacuee})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: expected invalid_input, got %v", err)
	}
}

func TestSubmitRequest_AccuracyCeiling(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	in := SubmitInput{Category: models.CategoryShelter, PeopleCount: 1}

	err := c.SubmitRequest(ctx, "ev1", in, fixAt(1, 1, 151))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("accuracy 151: expected invalid_input, got %v", err)
	}
	if ev := mustGet(t, store, "ev1"); ev.Version != 1 || ev.Status != models.StatusSafe {
		t.Fatalf("rejected request must not write: %+v", ev)
	}

	if err := c.SubmitRequest(ctx, "ev1", in, fixAt(1, 1, 150)); err != nil {
		t.Fatalf("accuracy 150 should be accepted: %v", err)
	}
	ev := mustGet(t, store, "ev1")
	if ev.Status != models.StatusWaitingForHelp || !ev.NeedsHelp || ev.RequestTimestamp == nil || !ev.RequestTimestamp.Equal(testNow) {
		t.Fatalf("unexpected record after submit: %+v", ev)
	}
	if ev.Location == nil || ev.Location.Accuracy != 150 || ev.HelpCategory != models.CategoryShelter {
		t.Fatalf("request metadata not stored: %+v", ev)
	}
}

func TestSubmitRequest_Rejections(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)

	cases := []struct {
		name string
		id   string
		in   SubmitInput
		p    location.Provider
		want error
	}{
		{"zero people", "ev1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 0}, fixAt(0, 0, 10), ErrInvalidInput},
		{"unknown category", "ev1", SubmitInput{Category: "snacks", PeopleCount: 1}, fixAt(0, 0, 10), ErrInvalidInput},
		{"denied", "ev1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, location.Failing(location.ErrDenied), ErrLocationDenied},
		{"unavailable", "ev1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, location.Failing(location.ErrUnavailable), ErrLocationUnavailable},
		{"timeout", "ev1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, location.Failing(location.ErrTimeout), ErrLocationTimeout},
		{"volunteer", "vol1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, fixAt(0, 0, 10), ErrInvalidState},
		{"unknown user", "ghost", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, fixAt(0, 0, 10), ErrNotFound},
	}
	for _, tc := range cases {
		if err := c.SubmitRequest(ctx, tc.id, tc.in, tc.p); !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, err)
		}
	}
	if ev := mustGet(t, store, "ev1"); ev.Version != 1 {
		t.Fatalf("rejected submissions wrote to the store: version %d", ev.Version)
	}

	submit(t, c, "ev1")
	err := c.SubmitRequest(ctx, "ev1", SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}, fixAt(0, 0, 10))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second submit: expected invalid_state, got %v", err)
	}
}

func TestConcurrentOffersHaveExactlyOneWinner(t *testing.T) {
	for name, build := range map[string]func(*testing.T) (*Coordinator, repository.UserStore){
		"sqlite": func(t *testing.T) (*Coordinator, repository.UserStore) { return newSQLiteCoordinator(t) },
		"redis":  newRedisCoordinator,
	} {
		t.Run(name, func(t *testing.T) {
			c, store := build(t)
			ctx := context.Background()
			mustRegister(t, c, "ev1", models.RoleEvacuee)
			volunteers := []string{"vol1", "vol2", "vol3", "vol4"}
			for _, v := range volunteers {
				mustRegister(t, c, v, models.RoleVolunteer)
			}
			submit(t, c, "ev1")

			errs := make([]error, len(volunteers))
			var wg sync.WaitGroup
			for i, v := range volunteers {
				wg.Add(1)
				go func(i int, v string) {
					defer wg.Done()
					errs[i] = c.OfferHelp(ctx, v, "ev1", fixAt(0, 0.01, 10))
				}(i, v)
			}
			wg.Wait()

			winner := ""
			for i, err := range errs {
				switch {
				case err == nil:
					if winner != "" {
						t.Fatalf("two winners: %s and %s", winner, volunteers[i])
					}
					winner = volunteers[i]
				case errors.Is(err, ErrAlreadyClaimed):
				default:
					t.Fatalf("%s: unexpected error %v", volunteers[i], err)
				}
			}
			if winner == "" {
				t.Fatalf("no winner")
			}
			ev := mustGet(t, store, "ev1")
			if ev.Status != models.StatusHelpComing || ev.AssignedVolunteer == nil || ev.AssignedVolunteer.ID != winner {
				t.Fatalf("evacuee not bound to winner: %+v", ev)
			}
			for _, v := range volunteers {
				vol := mustGet(t, store, v)
				if err := models.CheckPair(ev, vol); err != nil {
					t.Fatalf("inconsistent pair: %v", err)
				}
				if v != winner && vol.Status != models.StatusIdle {
					t.Fatalf("loser %s was modified: %+v", v, vol)
				}
			}
		})
	}
}

func TestOfferHelp_Preconditions(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "ev2", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)

	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(0, 0, 10)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("offer on a safe evacuee: expected already_claimed, got %v", err)
	}
	submit(t, c, "ev1")
	submit(t, c, "ev2")
	if err := c.OfferHelp(ctx, "ev2", "ev1", fixAt(0, 0, 10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("evacuee offering help: expected invalid_state, got %v", err)
	}
	if err := c.OfferHelp(ctx, "vol1", "ev1", location.Failing(location.ErrDenied)); !errors.Is(err, ErrLocationDenied) {
		t.Fatalf("expected location_denied, got %v", err)
	}
	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(5, 5, 400)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	vol := mustGet(t, store, "vol1")
	if vol.Location == nil || vol.LastKnownLocation == nil || vol.LastKnownLocation.Lat != 5 {
		t.Fatalf("volunteer location not captured: %+v", vol)
	}
	ev := mustGet(t, store, "ev1")
	if ev.AssignedVolunteer.Email != "vol1@example.org" || ev.AssignedVolunteer.Location.Lat != 5 || !ev.AssignedVolunteer.AssignedAt.Equal(testNow) {
		t.Fatalf("assigned volunteer snapshot wrong: %+v", ev.AssignedVolunteer)
	}
	if err := c.OfferHelp(ctx, "vol1", "ev2", fixAt(0, 0, 10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("busy volunteer: expected invalid_state, got %v", err)
	}
}

func TestOfferHelp_SnapshotsPreviousLastKnownLocation(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	submit(t, c, "ev1")
	if err := c.UpdateLocation(ctx, "vol1", fixAt(1, 1, 20)); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(5, 5, 10)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	av := mustGet(t, store, "ev1").AssignedVolunteer
	if av.Location == nil || av.Location.Lat != 5 {
		t.Fatalf("expected the offer fix as location, got %+v", av.Location)
	}
	if av.LastKnownLocation == nil || av.LastKnownLocation.Lat != 1 || av.LastKnownLocation.Lng != 1 {
		t.Fatalf("expected the previously saved location as lastKnownLocation, got %+v", av.LastKnownLocation)
	}
	if vol := mustGet(t, store, "vol1"); vol.LastKnownLocation == nil || vol.LastKnownLocation.Lat != 5 {
		t.Fatalf("volunteer lastKnownLocation should move to the offer fix: %+v", vol.LastKnownLocation)
	}
}

func TestLocationDeadlineMapsToTimeout(t *testing.T) {
	m := metrics.New()
	c, _ := newSQLiteCoordinator(t, WithMetrics(m), WithLocationOptions(location.Options{Timeout: 50 * time.Millisecond}))
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	blocking := location.ProviderFunc(func(ctx context.Context, _ location.Options) (models.Location, error) {
		<-ctx.Done()
		return models.Location{}, ctx.Err()
	})
	in := SubmitInput{Category: models.CategoryMedical, PeopleCount: 1}
	err := c.SubmitRequest(context.Background(), "ev1", in, blocking)
	if !errors.Is(err, ErrLocationTimeout) || CodeOf(err) != CodeLocationTimeout {
		t.Fatalf("expected location_timeout, got %v", err)
	}
	if got := testutil.ToFloat64(m.Transitions().WithLabelValues("submit_request", "location_timeout")); got != 1 {
		t.Fatalf("expected location_timeout counted, got %v", got)
	}

	// A caller that gives up is not a location timeout.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SubmitRequest(ctx, "ev1", in, blocking); errors.Is(err, ErrLocationTimeout) {
		t.Fatalf("canceled caller reported as location timeout: %v", err)
	}
}

func TestCompleteAssignment_RejectsRecompletion(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	mustRegister(t, c, "vol2", models.RoleVolunteer)
	submit(t, c, "ev1")
	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(0, 0, 10)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.CompleteAssignment(ctx, "vol2", "ev1"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("stranger completing: expected not_assigned, got %v", err)
	}
	if err := c.CompleteAssignment(ctx, "vol1", "ev1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := c.CompleteAssignment(ctx, "vol1", "ev1"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("re-completion: expected not_assigned, got %v", err)
	}
	ev := mustGet(t, store, "ev1")
	vol := mustGet(t, store, "vol1")
	if ev.Status != models.StatusHelped || ev.NeedsHelp || ev.AssignedVolunteer != nil {
		t.Fatalf("evacuee not helped: %+v", ev)
	}
	if ev.LastHelpedBy == nil || ev.LastHelpedBy.ID != "vol1" || !ev.LastHelpedBy.CompletedAt.Equal(testNow) {
		t.Fatalf("lastHelpedBy wrong: %+v", ev.LastHelpedBy)
	}
	if vol.Status != models.StatusIdle || vol.CurrentlyHelping != "" || vol.TotalHelped != 1 {
		t.Fatalf("volunteer not released with credit: %+v", vol)
	}
}

func TestCancelRequestReleasesVolunteer(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	if err := c.CancelRequest(ctx, "ev1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel without request: expected invalid_state, got %v", err)
	}
	submit(t, c, "ev1")
	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(0, 0, 10)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.CancelRequest(ctx, "ev1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := mustGet(t, store, "ev1")
	vol := mustGet(t, store, "vol1")
	if ev.Status != models.StatusRequestCanceled || ev.NeedsHelp || ev.AssignedVolunteer != nil {
		t.Fatalf("evacuee not canceled: %+v", ev)
	}
	if vol.Status != models.StatusIdle || vol.CurrentlyHelping != "" || vol.TotalHelped != 0 {
		t.Fatalf("volunteer not released: %+v", vol)
	}
	if err := c.CompleteAssignment(ctx, "vol1", "ev1"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("complete after cancel: expected not_assigned, got %v", err)
	}
	if err := c.SubmitRequest(ctx, "ev1", SubmitInput{Category: models.CategoryOther, PeopleCount: 1}, fixAt(0, 0, 10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submit from request_canceled: expected invalid_state, got %v", err)
	}
	if err := c.Reset(ctx, "ev1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ev := mustGet(t, store, "ev1"); ev.Status != models.StatusSafe || ev.RequestTimestamp != nil || ev.PeopleCount != 0 {
		t.Fatalf("reset did not clear the request: %+v", ev)
	}
	if err := c.Reset(ctx, "ev1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reset from safe: expected invalid_state, got %v", err)
	}
}

func TestAbandonReopensRequest(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	mustRegister(t, c, "vol2", models.RoleVolunteer)
	submit(t, c, "ev1")
	if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(0, 0, 10)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.Abandon(ctx, "vol2", "ev1"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("abandon by stranger: expected not_assigned, got %v", err)
	}
	if err := c.Abandon(ctx, "vol1", "ev1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	ev := mustGet(t, store, "ev1")
	if ev.Status != models.StatusWaitingForHelp || !ev.NeedsHelp || ev.AssignedVolunteer != nil || ev.RequestTimestamp == nil {
		t.Fatalf("request not reopened: %+v", ev)
	}
	if vol := mustGet(t, store, "vol1"); vol.Status != models.StatusIdle || vol.TotalHelped != 0 {
		t.Fatalf("volunteer not released: %+v", vol)
	}
	if err := c.OfferHelp(ctx, "vol2", "ev1", fixAt(0, 0, 10)); err != nil {
		t.Fatalf("reopened request should accept a new offer: %v", err)
	}
	if err := c.Release(ctx, "ev1", ReasonCanceled); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ev := mustGet(t, store, "ev1"); ev.Status != models.StatusRequestCanceled {
		t.Fatalf("release(canceled) should cancel: %+v", ev)
	}
	if err := c.Release(ctx, "ev1", ReasonCanceled); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("second release: expected not_assigned, got %v", err)
	}
	if err := c.Release(ctx, "ev1", "bored"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown reason: expected invalid_input, got %v", err)
	}
}

func TestEndToEndFlow(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	for round := 1; round <= 2; round++ {
		submit(t, c, "ev1")
		if err := c.OfferHelp(ctx, "vol1", "ev1", fixAt(0, 0, 10)); err != nil {
			t.Fatalf("round %d offer: %v", round, err)
		}
		if err := c.CompleteAssignment(ctx, "vol1", "ev1"); err != nil {
			t.Fatalf("round %d complete: %v", round, err)
		}
		if err := c.Reset(ctx, "ev1"); err != nil {
			t.Fatalf("round %d reset: %v", round, err)
		}
	}
	if vol := mustGet(t, store, "vol1"); vol.TotalHelped != 2 {
		t.Fatalf("expected totalHelped 2, got %d", vol.TotalHelped)
	}
}

func TestUpdateLocationSkipsAccuracyCeiling(t *testing.T) {
	c, store := newSQLiteCoordinator(t)
	ctx := context.Background()
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	if err := c.UpdateLocation(ctx, "vol1", fixAt(2, 3, 900)); err != nil {
		t.Fatalf("update location: %v", err)
	}
	vol := mustGet(t, store, "vol1")
	if vol.Location == nil || vol.Location.Accuracy != 900 || vol.LastKnownLocation == nil {
		t.Fatalf("location not stored: %+v", vol)
	}
	if err := c.UpdateLocation(ctx, "ghost", fixAt(2, 3, 10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestOutcomesAreCountedAndReported(t *testing.T) {
	m := metrics.New()
	rep := &fakeReporter{}
	c, _ := newSQLiteCoordinator(t, WithMetrics(m), WithErrorReporter(rep))
	ctx := context.Background()
	mustRegister(t, c, "ev1", models.RoleEvacuee)
	mustRegister(t, c, "vol1", models.RoleVolunteer)
	_ = c.CompleteAssignment(ctx, "vol1", "ev1")

	if got := testutil.ToFloat64(m.Transitions().WithLabelValues("register", "ok")); got != 2 {
		t.Fatalf("expected 2 registrations counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions().WithLabelValues("complete_assignment", "not_assigned")); got != 1 {
		t.Fatalf("expected not_assigned counted, got %v", got)
	}
	if len(rep.errs) != 1 || rep.errs[0] != (recordedError{userID: "vol1", op: "complete_assignment", code: CodeNotAssigned}) {
		t.Fatalf("unexpected reported errors: %+v", rep.errs)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(repository.ErrAborted) != CodeStoreUnavailable {
		t.Fatalf("aborted transactions should map to store_unavailable")
	}
	if CodeOf(repository.ErrNotFound) != CodeNotFound {
		t.Fatalf("not found should map to not_found")
	}
	wrapped := &Error{Code: CodeAlreadyClaimed, Msg: "taken"}
	if !errors.Is(wrapped, ErrAlreadyClaimed) || errors.Is(wrapped, ErrNotAssigned) {
		t.Fatalf("errors.Is should compare codes")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("nil has no code")
	}
}
