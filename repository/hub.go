package repository

import (
	"context"
	"sort"
	"sync"

	"disasterRelief/models"
)

// hub fans committed records out to subscribers. Bindings call publish in
// commit order; every subscriber drops versions it has already seen, which
// makes re-publishing after a resync harmless.
type hub struct {
	mu      sync.Mutex
	nextID  int
	records map[int]*recordSub
	queries map[int]*querySub
	changes map[int]*changeSub
}

type recordSub struct {
	id          string
	lastVersion int64
	q           *queue[*models.User]
}

type querySub struct {
	query   Query
	matched map[string]*models.User
	seen    map[string]int64
	q       *queue[[]*models.User]
}

type changeSub struct {
	seen    map[string]int64
	// pending holds back delivery until the binding has seen this token in
	// its commit stream.
	pending string
	q       *queue[*models.User]
}

func newHub() *hub {
	return &hub{
		records: map[int]*recordSub{},
		queries: map[int]*querySub{},
		changes: map[int]*changeSub{},
	}
}

func (h *hub) publish(u *models.User) {
	if u == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.records {
		if s.id != u.ID || u.Version <= s.lastVersion {
			continue
		}
		s.lastVersion = u.Version
		s.q.push(u.Clone())
	}
	for _, s := range h.queries {
		if s.apply(u) {
			s.q.push(s.snapshot())
		}
	}
	for _, s := range h.changes {
		if s.pending != "" || u.Version <= s.seen[u.ID] {
			continue
		}
		s.seen[u.ID] = u.Version
		s.q.push(u.Clone())
	}
}

// apply folds u into the result set and reports whether the set changed.
func (s *querySub) apply(u *models.User) bool {
	if u.Version <= s.seen[u.ID] {
		return false
	}
	s.seen[u.ID] = u.Version
	if s.query.Matches(u) {
		s.matched[u.ID] = u.Clone()
		return true
	}
	if _, ok := s.matched[u.ID]; ok {
		delete(s.matched, u.ID)
		return true
	}
	return false
}

// snapshot returns the result set ordered by request time, oldest first.
func (s *querySub) snapshot() []*models.User {
	out := make([]*models.User, 0, len(s.matched))
	for _, u := range s.matched {
		out = append(out, u.Clone())
	}
	SortByRequestTime(out)
	return out
}

// SortByRequestTime orders records oldest request first, then by id.
func SortByRequestTime(us []*models.User) {
	sort.Slice(us, func(i, j int) bool {
		ti, tj := us[i].RequestTimestamp, us[j].RequestTimestamp
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return us[i].ID < us[j].ID
	})
}

// addRecord registers a record subscriber and delivers current as its first snapshot.
func (h *hub) addRecord(ctx context.Context, current *models.User) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.nextID
	h.nextID++
	s := &recordSub{id: current.ID, lastVersion: current.Version}
	s.q = newQueue[*models.User](func() { h.remove(key) })
	h.records[key] = s
	s.q.push(current.Clone())
	sub := &Subscription{ID: current.ID, q: s.q}
	closeOnDone(ctx, s.q)
	return sub
}

// addQuery registers a query subscriber seeded with the records in initial.
func (h *hub) addQuery(ctx context.Context, query Query, initial []*models.User) *QuerySubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.nextID
	h.nextID++
	s := &querySub{query: query, matched: map[string]*models.User{}, seen: map[string]int64{}}
	for _, u := range initial {
		s.apply(u)
	}
	s.q = newQueue[[]*models.User](func() { h.remove(key) })
	h.queries[key] = s
	s.q.push(s.snapshot())
	closeOnDone(ctx, s.q)
	return &QuerySubscription{Query: query, q: s.q}
}

// addChanges registers a change subscriber whose snapshot is initial. Versions
// in initial are not re-delivered. A non-empty pending token holds delivery
// back until activate is called with it.
func (h *hub) addChanges(ctx context.Context, initial []*models.User, pending string) *ChangeSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.nextID
	h.nextID++
	s := &changeSub{seen: map[string]int64{}, pending: pending}
	for _, u := range initial {
		if u.Version > s.seen[u.ID] {
			s.seen[u.ID] = u.Version
		}
	}
	s.q = newQueue[*models.User](func() { h.remove(key) })
	h.changes[key] = s
	closeOnDone(ctx, s.q)
	sub := &ChangeSubscription{q: s.q}
	sub.setSnapshot(initial)
	return sub
}

// activate starts delivery to the change subscriber waiting for token. An
// empty token releases every waiting subscriber.
func (h *hub) activate(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.changes {
		if s.pending != "" && (token == "" || s.pending == token) {
			s.pending = ""
		}
	}
}

func (h *hub) remove(key int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, key)
	delete(h.queries, key)
	delete(h.changes, key)
}

// resyncTargets lists the records and query statuses subscribers depend on.
// Records currently in a query result are included so departures are seen.
func (h *hub) resyncTargets() ([]string, []models.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range h.records {
		add(s.id)
	}
	seenStatus := map[models.Status]bool{}
	var statuses []models.Status
	for _, s := range h.queries {
		for id := range s.matched {
			add(id)
		}
		if s.query.Status != "" && !seenStatus[s.query.Status] {
			seenStatus[s.query.Status] = true
			statuses = append(statuses, s.query.Status)
		}
	}
	return ids, statuses
}

// failAll ends every subscription with err.
func (h *hub) failAll(err error) {
	h.mu.Lock()
	var closers []func(error)
	for _, s := range h.records {
		closers = append(closers, s.q.close)
	}
	for _, s := range h.queries {
		closers = append(closers, s.q.close)
	}
	for _, s := range h.changes {
		closers = append(closers, s.q.close)
	}
	h.mu.Unlock()
	for _, c := range closers {
		c(err)
	}
}

func closeOnDone[T any](ctx context.Context, q *queue[T]) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			q.close(nil)
		case <-q.done:
		}
	}()
}
