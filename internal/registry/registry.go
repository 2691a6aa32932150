package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TransactionID identifies a transaction within one database.
type TransactionID uint64

// Lease lifecycle failures. Callers map these to retriable RPC errors.
var (
	ErrTransactionExists   = errors.New("transaction already registered")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionInUse    = errors.New("transaction already open")
	ErrTransactionNotOpen  = errors.New("transaction not open")
)

// DefaultTTL applies when insert or close get no explicit time to live.
const DefaultTTL = 60 * time.Second

// Handle is the underlying transaction owned by a lease record. The
// registry releases it exactly once, on destruction.
type Handle interface {
	Commit() error
	Abort() error
	// Release frees the handle's resources. Called after the record is
	// removed from the registry.
	Release()
}

// record tracks one leased transaction.
type record struct {
	database   string
	id         TransactionID
	handle     Handle
	isOpen     bool
	killed     bool
	timeToLive time.Duration
	expires    time.Time
}

// Registry leases long-lived transaction handles across coordinator
// request handlers. One mutex guards the whole two-level map and every
// record's state; operations are short, so coarse locking wins over
// per-record complexity.
type Registry struct {
	mu           sync.Mutex
	transactions map[string]map[TransactionID]*record
	defaultTTL   time.Duration
	log          *logrus.Logger
	now          func() time.Time
}

// Option tweaks registry construction.
type Option func(*Registry)

// WithDefaultTTL overrides the fallback lease duration.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.defaultTTL = ttl }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(log *logrus.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{
		transactions: make(map[string]map[TransactionID]*record),
		defaultTTL:   DefaultTTL,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert registers the transaction for (database, id) in the open state.
// It is an error if the combination is already registered. ttl <= 0
// selects the registry default; the ttl only starts counting once the
// lease is closed.
func (r *Registry) Insert(database string, id TransactionID, handle Handle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.transactions[database]
	if !ok {
		byID = make(map[TransactionID]*record)
		r.transactions[database] = byID
	}
	if _, exists := byID[id]; exists {
		return errors.Wrapf(ErrTransactionExists, "database %q id %d", database, id)
	}
	byID[id] = &record{
		database:   database,
		id:         id,
		handle:     handle,
		isOpen:     true,
		timeToLive: ttl,
		expires:    r.now().Add(ttl),
	}
	registeredTransactions.Inc()
	return nil
}

// Open leases the transaction and returns its handle. It fails
// immediately when the record is missing or already open; there is no
// wait queue, callers retry with backoff.
func (r *Registry) Open(database string, id TransactionID) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(database, id)
	if err != nil {
		return nil, err
	}
	if rec.killed {
		return nil, errors.Wrapf(ErrTransactionNotFound, "database %q id %d is marked for destruction", database, id)
	}
	if rec.isOpen {
		return nil, errors.Wrapf(ErrTransactionInUse, "database %q id %d", database, id)
	}
	rec.isOpen = true
	return rec.handle, nil
}

// Close returns a leased transaction. ttl < 0 selects the record's
// stored time to live; the new expiry is now + ttl. When the record was
// killed while open, the close performs the deferred destruction.
func (r *Registry) Close(database string, id TransactionID, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(database, id, ttl)
}

func (r *Registry) closeLocked(database string, id TransactionID, ttl time.Duration) error {
	rec, err := r.lookup(database, id)
	if err != nil {
		return err
	}
	if !rec.isOpen {
		return errors.Wrapf(ErrTransactionNotOpen, "database %q id %d", database, id)
	}
	if rec.killed {
		// deferred destruction requested while we held the lease
		r.removeLocked(rec)
		return nil
	}
	if ttl < 0 {
		ttl = rec.timeToLive
	}
	rec.isOpen = false
	rec.expires = r.now().Add(ttl)
	return nil
}

// CloseCommit commits the underlying transaction and returns the lease.
// The lease is released even if the commit fails, so a failing handle
// can never leave a permanently open record behind.
func (r *Registry) CloseCommit(database string, id TransactionID, ttl time.Duration) error {
	return r.closeWith(database, id, ttl, func(h Handle) error { return h.Commit() })
}

// CloseAbort aborts the underlying transaction and returns the lease,
// with the same release guarantee as CloseCommit.
func (r *Registry) CloseAbort(database string, id TransactionID, ttl time.Duration) error {
	return r.closeWith(database, id, ttl, func(h Handle) error { return h.Abort() })
}

func (r *Registry) closeWith(database string, id TransactionID, ttl time.Duration, action func(Handle) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(database, id)
	if err != nil {
		return err
	}
	actionErr := action(rec.handle)
	// release-then-report: the lease must not stay open on failure
	if closeErr := r.closeLocked(database, id, ttl); closeErr != nil {
		if actionErr != nil {
			r.log.WithError(closeErr).WithFields(logrus.Fields{
				"database": database, "id": id,
			}).Error("closing lease after failed commit/abort")
			return actionErr
		}
		return closeErr
	}
	return actionErr
}

// Destroy removes the record. A record that is currently open is only
// marked killed: the holder's next lifecycle operation observes the flag
// and performs the final cleanup, since the handle cannot be freed under
// another thread.
func (r *Registry) Destroy(database string, id TransactionID, errorCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(database, id)
	if err != nil {
		return err
	}
	if rec.isOpen {
		rec.killed = true
		r.log.WithFields(logrus.Fields{
			"database": database, "id": id, "errorCode": errorCode,
		}).Debug("transaction open, deferring destruction")
		return nil
	}
	r.removeLocked(rec)
	return nil
}

// ExpireTransactions removes every non-open record whose expiry has
// passed. Open records are never expired; their ttl starts on close.
func (r *Registry) ExpireTransactions() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, byID := range r.transactions {
		for _, rec := range byID {
			if rec.isOpen {
				continue
			}
			if rec.killed || rec.expires.Before(now) {
				r.removeLocked(rec)
				expiredTransactions.Inc()
			}
		}
	}
}

// NumberRegisteredTransactions returns the current record count.
func (r *Registry) NumberRegisteredTransactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byID := range r.transactions {
		n += len(byID)
	}
	return n
}

// DestroyAll tears every record down, used only at shutdown. Records
// still open are force-released with a loud log line rather than leaked;
// at shutdown no holder can make further use of them anyway.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, byID := range r.transactions {
		for _, rec := range byID {
			if rec.isOpen {
				r.log.WithFields(logrus.Fields{
					"database": rec.database, "id": rec.id,
				}).Warn("force-releasing open transaction at shutdown")
			}
			r.removeLocked(rec)
		}
	}
}

// RunExpiry sweeps expired leases every interval until the context is
// cancelled.
func (r *Registry) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireTransactions()
		}
	}
}

// lookup must be called with the mutex held.
func (r *Registry) lookup(database string, id TransactionID) (*record, error) {
	byID, ok := r.transactions[database]
	if !ok {
		return nil, errors.Wrapf(ErrTransactionNotFound, "database %q id %d", database, id)
	}
	rec, ok := byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrTransactionNotFound, "database %q id %d", database, id)
	}
	return rec, nil
}

// removeLocked unregisters the record and releases its handle. Must be
// called with the mutex held.
func (r *Registry) removeLocked(rec *record) {
	byID := r.transactions[rec.database]
	delete(byID, rec.id)
	if len(byID) == 0 {
		delete(r.transactions, rec.database)
	}
	registeredTransactions.Dec()
	rec.handle.Release()
}
