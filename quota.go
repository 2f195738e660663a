package main

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// QuotaSnapshot is the cached view of a user's storage budget.
type QuotaSnapshot struct {
	UseSpace   int64 `json:"useSpace"`
	TotalSpace int64 `json:"totalSpace"`
}

type userQuota struct {
	mu       sync.Mutex
	snap     QuotaSnapshot
	reserved int64
	expires  time.Time
	loaded   bool
}

// QuotaLedger tracks used vs total storage bytes per user. Admission checks
// and reservations for one user are serialized behind a per-user mutex, so
// two concurrent uploads cannot both admit against the same stale snapshot.
// Snapshots expire after ttl and are reloaded from the user_info row.
type QuotaLedger struct {
	db           *sql.DB
	catalog      *Catalog
	initialSpace int64
	ttl          time.Duration

	mu    sync.Mutex
	users map[string]*userQuota
}

func NewQuotaLedger(db *sql.DB, catalog *Catalog, initialSpace int64, ttl time.Duration) *QuotaLedger {
	return &QuotaLedger{
		db:           db,
		catalog:      catalog,
		initialSpace: initialSpace,
		ttl:          ttl,
		users:        make(map[string]*userQuota),
	}
}

func (l *QuotaLedger) entry(userID string) *userQuota {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		u = &userQuota{}
		l.users[userID] = u
	}
	return u
}

// load refreshes the snapshot from the durable row, creating the row with
// the system-wide initial allotment the first time a user is seen. Caller
// holds u.mu.
func (l *QuotaLedger) load(userID string, u *userQuota) error {
	if _, err := l.db.Exec(`INSERT OR IGNORE INTO user_info (user_id, total_space)
		VALUES (?, ?)`, userID, l.initialSpace); err != nil {
		return err
	}
	var used, total int64
	err := l.db.QueryRow(`SELECT use_space, total_space FROM user_info
		WHERE user_id = ?`, userID).Scan(&used, &total)
	if err != nil {
		return err
	}
	u.snap = QuotaSnapshot{UseSpace: used, TotalSpace: total}
	u.expires = time.Now().Add(l.ttl)
	u.loaded = true
	return nil
}

func (l *QuotaLedger) ensure(userID string, u *userQuota) error {
	if u.loaded && time.Now().Before(u.expires) {
		return nil
	}
	return l.load(userID, u)
}

// GetUsage returns the user's current snapshot.
func (l *QuotaLedger) GetUsage(userID string) (QuotaSnapshot, error) {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := l.ensure(userID, u); err != nil {
		return QuotaSnapshot{}, err
	}
	return u.snap, nil
}

// Reserve admits delta additional bytes for userID, counting bytes already
// reserved by in-flight upload sessions. Rejected reservations leave no
// state behind.
func (l *QuotaLedger) Reserve(userID string, delta int64) error {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := l.ensure(userID, u); err != nil {
		return err
	}
	if u.snap.UseSpace+u.reserved+delta > u.snap.TotalSpace {
		metricQuotaRejections.Inc()
		return ErrQuotaExceeded
	}
	u.reserved += delta
	return nil
}

// Release gives back a reservation that will not be committed (failed or
// abandoned upload, or an idempotent chunk overwrite).
func (l *QuotaLedger) Release(userID string, delta int64) {
	if delta <= 0 {
		return
	}
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reserved -= delta
	if u.reserved < 0 {
		u.reserved = 0
	}
}

// Commit converts delta reserved bytes into durable usage.
func (l *QuotaLedger) Commit(userID string, delta int64) error {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	res, err := l.db.Exec(`UPDATE user_info SET use_space = use_space + ?
		WHERE user_id = ?`, delta, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQuotaExceeded
	}
	if u.loaded {
		u.snap.UseSpace += delta
	}
	u.reserved -= delta
	if u.reserved < 0 {
		u.reserved = 0
	}
	return nil
}

// SetTotal is the admin override for a user's budget. The cached snapshot
// is invalidated so the next read sees the new total.
func (l *QuotaLedger) SetTotal(userID string, total int64) error {
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := l.db.Exec(`INSERT INTO user_info (user_id, total_space) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET total_space = excluded.total_space`,
		userID, total); err != nil {
		return err
	}
	u.loaded = false
	return nil
}

// Refresh recounts usage from the catalog after deletions and rewrites both
// the durable row and the cached snapshot.
func (l *QuotaLedger) Refresh(userID string) error {
	used, err := l.catalog.SelectUseSpace(userID)
	if err != nil {
		return err
	}
	u := l.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := l.db.Exec(`UPDATE user_info SET use_space = ? WHERE user_id = ?`,
		used, userID); err != nil {
		return err
	}
	if err := l.load(userID, u); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("quota snapshot reload failed")
	}
	return nil
}
