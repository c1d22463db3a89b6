package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"disasterRelief/models"
)

const (
	defaultRedisPrefix = "relief:"
	redisOpTimeout     = 3 * time.Second
)

// RedisStore is the UserStore binding over Redis. Each record is one JSON
// document; a set per status indexes them. Commits publish the new snapshot
// inside the same MULTI so subscribers see per-key commit order.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
	hub    *hub

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRedisStore subscribes to the change channel and starts the receiver.
// An empty prefix defaults to "relief:".
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string, logger *slog.Logger) (*RedisStore, error) {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{client: client, prefix: prefix, log: logger, hub: newHub(), done: make(chan struct{})}
	s.pubsub = client.Subscribe(ctx, s.channel())
	// Wait for the subscription to be confirmed so no commit after this returns is missed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, unavailable("subscribe changes", err)
	}
	rctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.receive(rctx)
	return s, nil
}

func (s *RedisStore) userKey(id string) string { return s.prefix + "users:" + id }

func (s *RedisStore) statusKey(st models.Status) string { return s.prefix + "status:" + string(st) }

func (s *RedisStore) channel() string { return s.prefix + "changes" }

func decodeUser(data []byte) (*models.User, error) {
	var u models.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get fetches a user record by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*models.User, error) {
	data, err := c.Get(ctx, s.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get user", err)
	}
	u, err := decodeUser(data)
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return u, nil
}

// ListByStatus returns records in the given status ordered oldest request first.
func (s *RedisStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, unavailable("list users", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.userKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list users", err)
	}
	out := make([]*models.User, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		u, err := decodeUser([]byte(str))
		if err != nil {
			return nil, unavailable("list users", err)
		}
		// The index is updated in the same MULTI as the record, but a record
		// read between two commits may already be in another status.
		if u.Status == status {
			out = append(out, u)
		}
	}
	SortByRequestTime(out)
	return out, nil
}

// Put upserts u. The stored version is taken from Redis, not from u.
func (s *RedisStore) Put(ctx context.Context, u *models.User) error {
	if u == nil || u.ID == "" {
		return errors.New("user is nil or has no id")
	}
	return s.transact(ctx, []string{u.ID}, 0, func(txn Txn) error {
		next := u.Clone()
		next.Version = 0
		if cur, err := txn.Get(u.ID); err == nil {
			next.Version = cur.Version
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		txn.Put(next)
		return nil
	})
}

// UpdateLocation sets the location of a user; volunteers also refresh lastKnownLocation.
func (s *RedisStore) UpdateLocation(ctx context.Context, id string, loc models.Location) error {
	return s.transact(ctx, []string{id}, 0, func(txn Txn) error {
		return applyLocation(txn, id, loc)
	})
}

// Transact runs fn under WATCH on every key it reads and commits its writes
// with MULTI/EXEC. A concurrent commit to a watched key re-runs fn after a
// randomized pause; ErrAborted is returned after maxTxAttempts.
func (s *RedisStore) Transact(ctx context.Context, ids []string, fn TxFunc) error {
	return s.transact(ctx, ids, maxTxAttempts, fn)
}

// transact makes up to attempts tries. Last-writer-wins writes pass 0 and
// keep trying until the operation deadline: they cannot lose a conflict.
func (s *RedisStore) transact(ctx context.Context, ids []string, attempts int, fn TxFunc) error {
	if s.isClosed() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 2*redisOpTimeout)
	defer cancel()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.userKey(id)
	}
	// Subscribers are fed by the receiver only: the change channel is the one
	// place where commits of concurrent writers appear in commit order.
	for attempt := 0; attempts == 0 || attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			case <-time.After(txBackoff(attempt)):
			}
		}
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.tryTransact(ctx, tx, ids, fn)
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrAborted
}

// txBackoff spreads retrying writers over an exponentially growing window,
// capped at 50ms.
func txBackoff(attempt int) time.Duration {
	window := time.Millisecond << min(attempt, 6)
	if window > 50*time.Millisecond {
		window = 50 * time.Millisecond
	}
	return time.Duration(rand.Int64N(int64(window))) + 100*time.Microsecond
}

func (s *RedisStore) tryTransact(ctx context.Context, tx *redis.Tx, ids []string, fn TxFunc) error {
	txn := &redisTxn{ctx: ctx, tx: tx, store: s, read: map[string]*models.User{}, missing: map[string]bool{}, watched: map[string]bool{}}
	for _, id := range ids {
		txn.watched[id] = true
		if _, err := txn.Get(id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.err != nil {
		return txn.err
	}
	if len(txn.order) == 0 {
		return nil
	}

	committed := make([]*models.User, 0, len(txn.order))
	payloads := make([][]byte, 0, len(txn.order))
	for _, id := range txn.order {
		u := txn.staged[id]
		u.Version = 1
		if prev, ok := txn.read[id]; ok {
			u.Version = prev.Version + 1
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		committed = append(committed, u)
		payloads = append(payloads, data)
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, u := range committed {
			if prev, ok := txn.read[u.ID]; ok && prev.Status != u.Status {
				pipe.SRem(ctx, s.statusKey(prev.Status), u.ID)
			}
			pipe.SAdd(ctx, s.statusKey(u.Status), u.ID)
			pipe.Set(ctx, s.userKey(u.ID), payloads[i], 0)
			pipe.Publish(ctx, s.channel(), payloads[i])
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return unavailable("commit", err)
	}
	return nil
}

type redisTxn struct {
	ctx     context.Context
	tx      *redis.Tx
	store   *RedisStore
	read    map[string]*models.User
	missing map[string]bool
	watched map[string]bool
	staged  map[string]*models.User
	order   []string
	err     error
}

func (t *redisTxn) Get(id string) (*models.User, error) {
	if u, ok := t.staged[id]; ok {
		return u.Clone(), nil
	}
	if u, ok := t.read[id]; ok {
		return u.Clone(), nil
	}
	if t.missing[id] {
		return nil, ErrNotFound
	}
	if !t.watched[id] {
		if err := t.tx.Watch(t.ctx, t.store.userKey(id)).Err(); err != nil {
			return nil, unavailable("watch", err)
		}
		t.watched[id] = true
	}
	u, err := t.store.get(t.ctx, t.tx, id)
	if errors.Is(err, ErrNotFound) {
		t.missing[id] = true
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.read[id] = u
	return u.Clone(), nil
}

func (t *redisTxn) Put(u *models.User) {
	if u == nil {
		return
	}
	if _, ok := t.read[u.ID]; !ok && !t.missing[u.ID] {
		t.err = fmt.Errorf("write to %s without reading it in the transaction", u.ID)
		return
	}
	if t.staged == nil {
		t.staged = map[string]*models.User{}
	}
	if _, ok := t.staged[u.ID]; !ok {
		t.order = append(t.order, u.ID)
	}
	t.staged[u.ID] = u.Clone()
}

// Subscribe registers a live view of one record. The record is read again
// after registration so a commit racing the first read is not lost.
func (s *RedisStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := s.hub.addRecord(ctx, u)
	if again, err := s.Get(ctx, id); err == nil {
		s.hub.publish(again)
	}
	return sub, nil
}

// SubscribeQuery registers a live view of a query result set.
func (s *RedisStore) SubscribeQuery(ctx context.Context, q Query) (*QuerySubscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if q.Status == "" {
		return nil, errors.New("redis query subscriptions need a status")
	}
	initial, err := s.ListByStatus(ctx, q.Status)
	if err != nil {
		return nil, err
	}
	sub := s.hub.addQuery(ctx, q, initial)
	if again, err := s.ListByStatus(ctx, q.Status); err == nil {
		for _, u := range again {
			s.hub.publish(u)
		}
	}
	return sub, nil
}

// watchMarker prefixes the token a Watch snapshot publishes. Record payloads
// are JSON objects and never start with it.
const watchMarker = "watch:"

// snapshotScript reads every record indexed under KEYS and publishes ARGV[3]
// on the change channel in the same atomic step.
var snapshotScript = redis.NewScript(`
local out = {}
for _, set in ipairs(KEYS) do
	for _, id in ipairs(redis.call('SMEMBERS', set)) do
		local v = redis.call('GET', ARGV[1] .. id)
		if v then
			table.insert(out, v)
		end
	end
end
redis.call('PUBLISH', ARGV[2], ARGV[3])
return out
`)

// Watch streams every record committed after the call. The snapshot script
// publishes a marker, and the receiver starts delivery once it sees it: a
// commit is either in the snapshot or after the marker, never both.
func (s *RedisStore) Watch(ctx context.Context) (*ChangeSubscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	token := uuid.NewString()
	sub := s.hub.addChanges(ctx, nil, token)

	statusKeys := make([]string, len(models.AllStatuses))
	for i, st := range models.AllStatuses {
		statusKeys[i] = s.statusKey(st)
	}
	sctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	vals, err := snapshotScript.Run(sctx, s.client, statusKeys, s.prefix+"users:", s.channel(), watchMarker+token).StringSlice()
	if err != nil {
		sub.Close()
		return nil, unavailable("watch snapshot", err)
	}
	initial := make([]*models.User, 0, len(vals))
	for _, v := range vals {
		u, err := decodeUser([]byte(v))
		if err != nil {
			sub.Close()
			return nil, unavailable("watch snapshot", err)
		}
		initial = append(initial, u)
	}
	sub.setSnapshot(initial)
	return sub, nil
}

// receive feeds the hub from the change channel. go-redis reconnects the
// pub/sub connection on its own; whatever was published while it was down is
// recovered by re-reading what subscribers are looking at.
func (s *RedisStore) receive(ctx context.Context) {
	defer close(s.done)
	backoff := 100 * time.Millisecond
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.log.Warn("change channel receive failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			s.resync(ctx)
			// Markers sent while the connection was down are lost.
			s.hub.activate("")
			continue
		}
		backoff = 100 * time.Millisecond
		if token, ok := strings.CutPrefix(msg.Payload, watchMarker); ok {
			s.hub.activate(token)
			continue
		}
		u, err := decodeUser([]byte(msg.Payload))
		if err != nil {
			s.log.Error("drop undecodable change", "error", err)
			continue
		}
		s.hub.publish(u)
	}
}

func (s *RedisStore) resync(ctx context.Context) {
	ids, statuses := s.hub.resyncTargets()
	for _, id := range ids {
		u, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		s.hub.publish(u)
	}
	for _, st := range statuses {
		list, err := s.ListByStatus(ctx, st)
		if err != nil {
			continue
		}
		for _, u := range list {
			s.hub.publish(u)
		}
	}
}

// Close stops the receiver and ends every subscription. The client stays
// owned by the caller.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.hub.failAll(ErrClosed)
	return err
}
