package repository

import (
	"context"
	"errors"

	"disasterRelief/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAborted is returned when a transaction kept conflicting with concurrent
	// writers and was given up without committing.
	ErrAborted = errors.New("transaction aborted")
	// ErrUnavailable wraps transport and storage faults. Nothing was committed.
	ErrUnavailable = errors.New("store unavailable")
	// ErrClosed is reported by subscriptions whose store has been closed.
	ErrClosed = errors.New("store closed")
)

// Txn is the view a transaction function has of the store. Reads see the
// committed state at the time of the read; writes are staged and applied
// together on commit, and only if none of the records read changed meanwhile.
type Txn interface {
	// Get reads a record inside the transaction. Records not passed to Transact
	// may be read lazily.
	Get(id string) (*models.User, error)
	// Put stages a write of u. New records (Version 0) are created; existing
	// records must have been read through this Txn first.
	Put(u *models.User)
}

// TxFunc mutates records through txn. Returning an error aborts the
// transaction with no partial write; the error is returned unchanged. The
// function may run several times when concurrent writers conflict.
type TxFunc func(txn Txn) error

// Query selects records for a live query subscription.
type Query struct {
	Status models.Status
	// NeedsHelp, when set, additionally requires the needsHelp flag to match.
	NeedsHelp *bool
}

// OpenRequests matches evacuees waiting for a volunteer.
func OpenRequests() Query {
	t := true
	return Query{Status: models.StatusWaitingForHelp, NeedsHelp: &t}
}

// Matches reports whether u belongs to the query's result set.
func (q Query) Matches(u *models.User) bool {
	if u == nil {
		return false
	}
	if q.Status != "" && u.Status != q.Status {
		return false
	}
	if q.NeedsHelp != nil && u.NeedsHelp != *q.NeedsHelp {
		return false
	}
	return true
}

// UserStore is the record store the coordinator depends on. Implementations:
// SQLiteStore and RedisStore.
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	// Put upserts a whole record, last writer wins.
	Put(ctx context.Context, u *models.User) error
	// UpdateLocation overwrites the location fields of a record, last writer wins.
	UpdateLocation(ctx context.Context, id string, loc models.Location) error
	// Transact runs fn as one atomic conditional read-then-write over ids.
	Transact(ctx context.Context, ids []string, fn TxFunc) error
	ListByStatus(ctx context.Context, status models.Status) ([]*models.User, error)
	// Subscribe delivers the current record and then every committed version of it.
	Subscribe(ctx context.Context, id string) (*Subscription, error)
	// SubscribeQuery delivers the current result set and a new one whenever it changes.
	SubscribeQuery(ctx context.Context, q Query) (*QuerySubscription, error)
	// Watch delivers every record committed after the call, across all ids.
	// The subscription's Snapshot is the store as of that same point.
	Watch(ctx context.Context) (*ChangeSubscription, error)
	Close() error
}

const maxTxAttempts = 8
