package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"disasterRelief/models"
)

// SQLiteStore is the UserStore binding over the users table.
// Writes are serialised in-process so the change hub observes commits in
// commit order; the version column additionally guards against writers in
// other processes sharing the database file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	hub    *hub
	closed bool
}

// NewSQLiteStore creates a store over an opened, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, hub: newHub()}
}

var errConflict = errors.New("version conflict")

const userColumns = `id, email, role, status, needs_help, location, last_known_location, help_category, people_count, additional_details, request_timestamp, assigned_volunteer, last_helped_by, currently_helping, total_helped, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var role, status, category, createdAt string
	var needsHelp int
	var location, lastKnown, requestTS, assigned, lastHelped, helping sql.NullString
	err := row.Scan(&u.ID, &u.Email, &role, &status, &needsHelp, &location, &lastKnown, &category, &u.PeopleCount,
		&u.AdditionalDetails, &requestTS, &assigned, &lastHelped, &helping, &u.TotalHelped, &createdAt, &u.Version)
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.Status = models.Status(status)
	u.HelpCategory = models.HelpCategory(category)
	u.NeedsHelp = needsHelp != 0
	if helping.Valid {
		u.CurrentlyHelping = helping.String
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if requestTS.Valid {
		ts, err := time.Parse(time.RFC3339Nano, requestTS.String)
		if err != nil {
			return nil, fmt.Errorf("parse request_timestamp: %w", err)
		}
		u.RequestTimestamp = &ts
	}
	if err := unmarshalNull(location, &u.Location); err != nil {
		return nil, err
	}
	if err := unmarshalNull(lastKnown, &u.LastKnownLocation); err != nil {
		return nil, err
	}
	if err := unmarshalNull(assigned, &u.AssignedVolunteer); err != nil {
		return nil, err
	}
	if err := unmarshalNull(lastHelped, &u.LastHelpedBy); err != nil {
		return nil, err
	}
	return &u, nil
}

func unmarshalNull[T any](s sql.NullString, dst **T) error {
	if !s.Valid || s.String == "" {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func marshalNull[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// userArgs returns the column values of u in userColumns order, without id and version.
func userArgs(u *models.User) ([]any, error) {
	location, err := marshalNull(u.Location)
	if err != nil {
		return nil, err
	}
	lastKnown, err := marshalNull(u.LastKnownLocation)
	if err != nil {
		return nil, err
	}
	assigned, err := marshalNull(u.AssignedVolunteer)
	if err != nil {
		return nil, err
	}
	lastHelped, err := marshalNull(u.LastHelpedBy)
	if err != nil {
		return nil, err
	}
	var requestTS, helping sql.NullString
	if u.RequestTimestamp != nil {
		requestTS = sql.NullString{String: u.RequestTimestamp.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if u.CurrentlyHelping != "" {
		helping = sql.NullString{String: u.CurrentlyHelping, Valid: true}
	}
	needsHelp := 0
	if u.NeedsHelp {
		needsHelp = 1
	}
	return []any{u.Email, string(u.Role), string(u.Status), needsHelp, location, lastKnown, string(u.HelpCategory),
		u.PeopleCount, u.AdditionalDetails, requestTS, assigned, lastHelped, helping, u.TotalHelped,
		u.CreatedAt.UTC().Format(time.RFC3339Nano)}, nil
}

// Get fetches a user record by id.
func (r *SQLiteStore) Get(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get user", err)
	}
	return u, nil
}

// ListByStatus returns records in the given status ordered oldest request first.
func (r *SQLiteStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE status = ?`, string(status))
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	SortByRequestTime(out)
	return out, nil
}

// Put upserts u. The stored version is taken from the database, not from u.
func (r *SQLiteStore) Put(ctx context.Context, u *models.User) error {
	if u == nil || u.ID == "" {
		return errors.New("user is nil or has no id")
	}
	return r.Transact(ctx, []string{u.ID}, func(txn Txn) error {
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
func (r *SQLiteStore) UpdateLocation(ctx context.Context, id string, loc models.Location) error {
	return r.Transact(ctx, []string{id}, func(txn Txn) error {
		return applyLocation(txn, id, loc)
	})
}

func applyLocation(txn Txn, id string, loc models.Location) error {
	u, err := txn.Get(id)
	if err != nil {
		return err
	}
	l := loc
	u.Location = &l
	if u.IsVolunteer() {
		lk := loc
		u.LastKnownLocation = &lk
	}
	txn.Put(u)
	return nil
}

// Transact runs fn atomically. Conflicting concurrent writers cause fn to be
// re-run against fresh reads; ErrAborted is returned after maxTxAttempts.
func (r *SQLiteStore) Transact(ctx context.Context, ids []string, fn TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		committed, err := r.tryTransact(ctx, ids, fn)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return err
		}
		for _, u := range committed {
			r.hub.publish(u)
		}
		return nil
	}
	return ErrAborted
}

func (r *SQLiteStore) tryTransact(ctx context.Context, ids []string, fn TxFunc) ([]*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	txn := &sqliteTxn{ctx: ctx, tx: tx, read: map[string]*models.User{}, missing: map[string]bool{}}
	for _, id := range ids {
		if _, err := txn.Get(id); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if err := fn(txn); err != nil {
		return nil, err
	}
	if txn.err != nil {
		return nil, txn.err
	}

	committed := make([]*models.User, 0, len(txn.order))
	for _, id := range txn.order {
		u := txn.staged[id]
		args, err := userArgs(u)
		if err != nil {
			return nil, err
		}
		if prev, ok := txn.read[id]; ok {
			res, err := tx.ExecContext(ctx, `UPDATE users SET email = ?, role = ?, status = ?, needs_help = ?, location = ?, last_known_location = ?, help_category = ?, people_count = ?, additional_details = ?, request_timestamp = ?, assigned_volunteer = ?, last_helped_by = ?, currently_helping = ?, total_helped = ?, created_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
				append(args, id, prev.Version)...)
			if err != nil {
				return nil, classify("update user", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, errConflict
			}
			u.Version = prev.Version + 1
		} else {
			if _, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				append(append([]any{id}, args...), 1)...); err != nil {
				return nil, classify("insert user", err)
			}
			u.Version = 1
		}
		committed = append(committed, u)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit", err)
	}
	return committed, nil
}

// classify turns constraint violations into conflicts so the transaction is
// retried against fresh state; everything else is a store fault.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrConstraint || se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return errConflict
	}
	return unavailable(op, err)
}

type sqliteTxn struct {
	ctx     context.Context
	tx      *sql.Tx
	read    map[string]*models.User
	missing map[string]bool
	staged  map[string]*models.User
	order   []string
	err     error
}

func (t *sqliteTxn) Get(id string) (*models.User, error) {
	if u, ok := t.staged[id]; ok {
		return u.Clone(), nil
	}
	if u, ok := t.read[id]; ok {
		return u.Clone(), nil
	}
	if t.missing[id] {
		return nil, ErrNotFound
	}
	u, err := scanUser(t.tx.QueryRowContext(t.ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			t.missing[id] = true
			return nil, ErrNotFound
		}
		return nil, unavailable("get user", err)
	}
	t.read[id] = u
	return u.Clone(), nil
}

func (t *sqliteTxn) Put(u *models.User) {
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

// Subscribe registers a live view of one record.
func (r *SQLiteStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	u, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.hub.addRecord(ctx, u), nil
}

// SubscribeQuery registers a live view of a query result set.
func (r *SQLiteStore) SubscribeQuery(ctx context.Context, q Query) (*QuerySubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	var initial []*models.User
	if q.Status != "" {
		list, err := r.ListByStatus(ctx, q.Status)
		if err != nil {
			return nil, err
		}
		initial = list
	} else {
		list, err := r.listAll(ctx)
		if err != nil {
			return nil, err
		}
		initial = list
	}
	return r.hub.addQuery(ctx, q, initial), nil
}

// Watch streams every record committed after the call. Commits publish under
// r.mu, so the snapshot listed here and the registration share one point.
func (r *SQLiteStore) Watch(ctx context.Context) (*ChangeSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	initial, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}
	return r.hub.addChanges(ctx, initial, ""), nil
}

func (r *SQLiteStore) listAll(ctx context.Context) ([]*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scan user", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Close ends every subscription. The database handle stays owned by the caller.
func (r *SQLiteStore) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.hub.failAll(ErrClosed)
	return nil
}

type faultError struct {
	op  string
	err error
}

func (e *faultError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrUnavailable, e.err)
}

func (e *faultError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

func unavailable(op string, err error) error {
	return &faultError{op: op, err: err}
}
