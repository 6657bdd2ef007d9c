/*
Package sqlite provides the SQLite-backed implementation of every
storage interface in the module.

PURPOSE:
  One database, one transaction boundary. All domain packages declare
  narrow store interfaces; this Store (and its transaction view)
  satisfies all of them, so a money-moving operation can commit its
  reservation update, ledger entry, wallet movement and outbox event
  atomically. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.Store:         append-only financial entries
  wallet.Store:         credit movements plus the cached balance
  wallet.TopUpStore:    top-up records
  booking.Store:        reservations, notes, courts
  shop.Store:           orders and line items
  promo.Store:          promotions and applications
  outbox.Store:         transactional event log
  recon.Store:          backfill source listings

APPEND-ONLY ENFORCEMENT:
  ledger_transactions, wallet_entries, reservation_notes and
  outbox_events never see UPDATE or DELETE of business data (the only
  outbox mutation is the processed marker). Corrections are new rows.

KEY CONSTRAINTS:
  - ledger_transactions.idempotency_key UNIQUE: the exactly-once
    guarantee for financial recording
  - wallet_entries.idempotency_key UNIQUE: no double-applied credits
  - promotion_applications.idempotency_key UNIQUE: single use per user
  - promotions usage bump is a conditional UPDATE, never read-then-write

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block
  and crash recovery is cheap. A busy timeout absorbs writer contention.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/ledger.go: posting rules over this store
  - booking/service.go: the transaction boundaries
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/wallet"
)

// dbtx is the subset of *sql.DB and *sql.Tx the queries need, so every
// method works both standalone and inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every storage method over a dbtx.
type queries struct {
	db dbtx
}

// Store is the SQLite store. It embeds queries over the raw connection
// and adds the transaction runners.
type Store struct {
	queries
	sqlDB *sql.DB
	mu    sync.Mutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The in-memory database vanishes with its connection, so keep one.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{db: db}, sqlDB: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Users (credits_balance is the wallet projection cache)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		credits_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

	-- Courts
	CREATE TABLE IF NOT EXISTS courts (
		id TEXT PRIMARY KEY,
		center_id TEXT NOT NULL,
		name TEXT NOT NULL,
		primary_activity TEXT NOT NULL,
		compatible_secondary TEXT,
		hourly_rate TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_courts_center ON courts(center_id);

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		court_id TEXT NOT NULL,
		center_id TEXT NOT NULL,
		activity TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		status TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT,
		paid_at TEXT,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_court_time
		ON reservations(court_id, start_time, end_time);
	CREATE INDEX IF NOT EXISTS idx_reservations_user
		ON reservations(user_id);
	-- Hot path for the timeout sweep
	CREATE INDEX IF NOT EXISTS idx_reservations_status_expires
		ON reservations(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_paid_at
		ON reservations(paid_at) WHERE paid_at IS NOT NULL;

	-- Reservation notes (append-only)
	CREATE TABLE IF NOT EXISTS reservation_notes (
		id TEXT PRIMARY KEY,
		reservation_id TEXT NOT NULL,
		author TEXT,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_reservation
		ON reservation_notes(reservation_id);

	-- Orders and line items
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		center_id TEXT,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status_paid
		ON orders(status, paid_at);

	CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		currency TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_items_order
		ON order_items(order_id);

	-- Ledger (append-only; the idempotency key IS the exactly-once guarantee)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT,
		status TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		gateway_reference TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		center_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_source
		ON ledger_transactions(source_type, source_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_paid_at
		ON ledger_transactions(paid_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_center
		ON ledger_transactions(center_id) WHERE center_id IS NOT NULL;

	-- Wallet entries (append-only)
	CREATE TABLE IF NOT EXISTS wallet_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		reason TEXT NOT NULL,
		credits TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_entries_user
		ON wallet_entries(user_id, created_at);

	CREATE TABLE IF NOT EXISTS wallet_topups (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		gateway_reference TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_topups_user ON wallet_topups(user_id);

	-- Outbox (processed marker is the only mutation)
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed
		ON outbox_events(processed, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_type_created
		ON outbox_events(event_type, created_at);

	-- Promotions
	CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT,
		type TEXT NOT NULL,
		reward TEXT NOT NULL,
		max_reward TEXT NOT NULL DEFAULT '0',
		stackable INTEGER NOT NULL DEFAULT 0,
		starts_at TEXT,
		ends_at TEXT,
		usage_limit INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		days_of_week TEXT,
		hour_from INTEGER NOT NULL DEFAULT 0,
		hour_to INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS promotion_applications (
		id TEXT PRIMARY KEY,
		promotion_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reservation_id TEXT,
		credits_awarded TEXT NOT NULL DEFAULT '0',
		discount TEXT NOT NULL DEFAULT '0',
		idempotency_key TEXT NOT NULL UNIQUE,
		applied_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_applications_promotion
		ON promotion_applications(promotion_id);
	CREATE INDEX IF NOT EXISTS idx_applications_user
		ON promotion_applications(user_id);
	`

	_, err := s.sqlDB.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION RUNNERS
// =============================================================================

// withTx executes fn inside one database transaction.
func (s *Store) withTx(ctx context.Context, fn func(q *queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// RunBookingTx satisfies booking.TxRunner.
func (s *Store) RunBookingTx(ctx context.Context, fn func(tx booking.TxStore) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

// RunOrderTx satisfies shop.TxRunner.
func (s *Store) RunOrderTx(ctx context.Context, fn func(tx shop.TxStore) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

// RunPromoTx satisfies promo.TxRunner.
func (s *Store) RunPromoTx(ctx context.Context, fn func(tx promo.TxStore) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

// RunWalletTx satisfies wallet.TopUpRunner.
func (s *Store) RunWalletTx(ctx context.Context, fn func(tx wallet.TopUpTxStore) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

// RunReconTx satisfies recon.TxRunner.
func (s *Store) RunReconTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser inserts a user row.
func (q *queries) CreateUser(ctx context.Context, u core.User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, credits_balance, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.CreditsBalance.String(),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Resource: "user", Detail: "email " + u.Email + " already registered"}
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser returns one user, or nil.
func (q *queries) GetUser(ctx context.Context, id string) (*core.User, error) {
	return q.scanUser(q.db.QueryRowContext(ctx,
		`SELECT id, name, email, credits_balance, created_at FROM users WHERE id = ?`, id))
}

// GetUserByEmail returns one user by email, or nil.
func (q *queries) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return q.scanUser(q.db.QueryRowContext(ctx,
		`SELECT id, name, email, credits_balance, created_at FROM users WHERE email = ?`, email))
}

func (q *queries) scanUser(row *sql.Row) (*core.User, error) {
	var (
		u         core.User
		balance   string
		createdAt string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &balance, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreditsBalance = parseDecimal(balance)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// UpdateUserCreditsBalance rewrites the wallet projection cache.
func (q *queries) UpdateUserCreditsBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE users SET credits_balance = ? WHERE id = ?`, balance.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to update credits balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "user", ID: userID}
	}
	return nil
}

// =============================================================================
// COURTS
// =============================================================================

// InsertCourt adds a court.
func (q *queries) InsertCourt(ctx context.Context, c booking.Court) error {
	secondary, _ := json.Marshal(c.CompatibleSecondary)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO courts (id, center_id, name, primary_activity, compatible_secondary,
			hourly_rate, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CenterID, c.Name, string(c.PrimaryActivity), string(secondary),
		c.HourlyRate.Amount.String(), string(c.HourlyRate.Currency),
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert court: %w", err)
	}
	return nil
}

// GetCourt returns one court, or nil.
func (q *queries) GetCourt(ctx context.Context, id string) (*booking.Court, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, center_id, name, primary_activity, compatible_secondary,
			hourly_rate, currency, created_at
		FROM courts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanCourt(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCourts returns the courts of a center, or all courts when
// centerID is empty.
func (q *queries) ListCourts(ctx context.Context, centerID string) ([]booking.Court, error) {
	query := `
		SELECT id, center_id, name, primary_activity, compatible_secondary,
			hourly_rate, currency, created_at
		FROM courts`
	var args []any
	if centerID != "" {
		query += ` WHERE center_id = ?`
		args = append(args, centerID)
	}
	query += ` ORDER BY name`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courts []booking.Court
	for rows.Next() {
		c, err := scanCourt(rows)
		if err != nil {
			return nil, err
		}
		courts = append(courts, c)
	}
	return courts, rows.Err()
}

func scanCourt(rows *sql.Rows) (booking.Court, error) {
	var (
		c         booking.Court
		secondary sql.NullString
		rate      string
		currency  string
		createdAt string
	)
	err := rows.Scan(&c.ID, &c.CenterID, &c.Name, (*string)(&c.PrimaryActivity),
		&secondary, &rate, &currency, &createdAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan court: %w", err)
	}
	if secondary.Valid && secondary.String != "" {
		json.Unmarshal([]byte(secondary.String), &c.CompatibleSecondary)
	}
	c.HourlyRate = core.NewMoney(rate, core.Currency(currency))
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return c, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, user_id, court_id, center_id, activity, start_time, end_time,
	status, price, currency, payment_method, paid_at, expires_at, created_at, updated_at`

// InsertReservation adds a reservation row.
func (q *queries) InsertReservation(ctx context.Context, r booking.Reservation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.CourtID, r.CenterID, string(r.Activity),
		r.StartTime.UTC().Format(time.RFC3339), r.EndTime.UTC().Format(time.RFC3339),
		string(r.Status), r.Price.Amount.String(), string(r.Price.Currency),
		nullString(string(r.PaymentMethod)), nullTime(r.PaidAt),
		r.ExpiresAt.UTC().Format(time.RFC3339),
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// GetReservation returns one reservation, or nil.
func (q *queries) GetReservation(ctx context.Context, id string) (*booking.Reservation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanReservation(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateReservation rewrites the mutable fields.
func (q *queries) UpdateReservation(ctx context.Context, r booking.Reservation) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, price = ?, currency = ?, payment_method = ?, paid_at = ?,
			expires_at = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.Price.Amount.String(), string(r.Price.Currency),
		nullString(string(r.PaymentMethod)), nullTime(r.PaidAt),
		r.ExpiresAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "reservation", ID: r.ID}
	}
	return nil
}

// TransitionReservation is the conditional status update. The WHERE
// clause on the old status makes sweep-vs-payment races safe.
func (q *queries) TransitionReservation(ctx context.Context, id string, from, to booking.Status) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition reservation: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// OverlappingReservations returns active reservations intersecting the
// window on one court.
func (q *queries) OverlappingReservations(ctx context.Context, courtID string, start, end time.Time) ([]booking.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE court_id = ?
		  AND status IN ('PENDING', 'PAID', 'IN_PROGRESS')
		  AND start_time < ? AND end_time > ?
		ORDER BY start_time`,
		courtID, end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
}

// ExpiredPendingReservations returns PENDING rows past their payment
// window.
func (q *queries) ExpiredPendingReservations(ctx context.Context, before time.Time) ([]booking.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'PENDING' AND expires_at <= ?
		ORDER BY expires_at`,
		before.UTC().Format(time.RFC3339))
}

// ReservationsForUser returns a user's reservations, newest first.
func (q *queries) ReservationsForUser(ctx context.Context, userID string) ([]booking.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE user_id = ? ORDER BY start_time DESC`, userID)
}

// PaidReservationsSince lists reservations paid within the window.
// Reconciliation source.
func (q *queries) PaidReservationsSince(ctx context.Context, since time.Time) ([]booking.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE paid_at IS NOT NULL AND paid_at >= ?
		ORDER BY paid_at`,
		since.UTC().Format(time.RFC3339))
}

func (q *queries) queryReservations(ctx context.Context, query string, args ...any) ([]booking.Reservation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []booking.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(rows *sql.Rows) (booking.Reservation, error) {
	var (
		r                    booking.Reservation
		startTime, endTime   string
		price, currency      string
		method, paidAt       sql.NullString
		expiresAt, createdAt string
		updatedAt            string
	)
	err := rows.Scan(&r.ID, &r.UserID, &r.CourtID, &r.CenterID, (*string)(&r.Activity),
		&startTime, &endTime, (*string)(&r.Status), &price, &currency,
		&method, &paidAt, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return r, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.StartTime, _ = time.Parse(time.RFC3339, startTime)
	r.EndTime, _ = time.Parse(time.RFC3339, endTime)
	r.Price = core.NewMoney(price, core.Currency(currency))
	r.PaymentMethod = core.PaymentMethod(method.String)
	if paidAt.Valid {
		t, _ := time.Parse(time.RFC3339, paidAt.String)
		r.PaidAt = &t
	}
	r.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return r, nil
}

// AppendReservationNote adds an immutable note.
func (q *queries) AppendReservationNote(ctx context.Context, n booking.Note) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reservation_notes (id, reservation_id, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.ReservationID, nullString(n.Author), n.Body,
		n.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// ReservationNotes returns a reservation's notes, oldest first.
func (q *queries) ReservationNotes(ctx context.Context, reservationID string) ([]booking.Note, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, reservation_id, author, body, created_at
		FROM reservation_notes WHERE reservation_id = ?
		ORDER BY created_at, id`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []booking.Note
	for rows.Next() {
		var (
			n         booking.Note
			author    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.ReservationID, &author, &n.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.Author = author.String
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// =============================================================================
// ORDERS
// =============================================================================

// InsertOrder adds an order with its line items.
func (q *queries) InsertOrder(ctx context.Context, o shop.Order) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, center_id, total, currency, status,
			payment_method, paid_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, nullString(o.CenterID),
		o.Total.Amount.String(), string(o.Total.Currency), string(o.Status),
		nullString(string(o.PaymentMethod)), nullTime(o.PaidAt),
		o.CreatedAt.UTC().Format(time.RFC3339), o.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	for _, item := range o.Items {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, name, quantity, unit_price, currency)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, o.ID, item.Name, item.Quantity,
			item.UnitPrice.Amount.String(), string(item.UnitPrice.Currency),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

// GetOrder returns one order with its items, or nil.
func (q *queries) GetOrder(ctx context.Context, id string) (*shop.Order, error) {
	orders, err := q.queryOrders(ctx, `
		SELECT id, user_id, center_id, total, currency, status, payment_method,
			paid_at, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	o := orders[0]
	if err := q.loadOrderItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder rewrites the mutable fields.
func (q *queries) UpdateOrder(ctx context.Context, o shop.Order) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, payment_method = ?, paid_at = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), nullString(string(o.PaymentMethod)), nullTime(o.PaidAt),
		o.UpdatedAt.UTC().Format(time.RFC3339), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "order", ID: o.ID}
	}
	return nil
}

// OrdersForUser returns a user's orders, newest first.
func (q *queries) OrdersForUser(ctx context.Context, userID string) ([]shop.Order, error) {
	orders, err := q.queryOrders(ctx, `
		SELECT id, user_id, center_id, total, currency, status, payment_method,
			paid_at, created_at, updated_at
		FROM orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if err := q.loadOrderItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// PaidOrdersSince lists orders paid within the window. Reconciliation
// source.
func (q *queries) PaidOrdersSince(ctx context.Context, since time.Time) ([]shop.Order, error) {
	return q.queryOrders(ctx, `
		SELECT id, user_id, center_id, total, currency, status, payment_method,
			paid_at, created_at, updated_at
		FROM orders
		WHERE status = 'PAID' AND paid_at IS NOT NULL AND paid_at >= ?
		ORDER BY paid_at`,
		since.UTC().Format(time.RFC3339))
}

func (q *queries) queryOrders(ctx context.Context, query string, args ...any) ([]shop.Order, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []shop.Order
	for rows.Next() {
		var (
			o                    shop.Order
			centerID             sql.NullString
			total, currency      string
			method, paidAt       sql.NullString
			createdAt, updatedAt string
		)
		err := rows.Scan(&o.ID, &o.UserID, &centerID, &total, &currency,
			(*string)(&o.Status), &method, &paidAt, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.CenterID = centerID.String
		o.Total = core.NewMoney(total, core.Currency(currency))
		o.PaymentMethod = core.PaymentMethod(method.String)
		if paidAt.Valid {
			t, _ := time.Parse(time.RFC3339, paidAt.String)
			o.PaidAt = &t
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q *queries) loadOrderItems(ctx context.Context, o *shop.Order) error {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, name, quantity, unit_price, currency
		FROM order_items WHERE order_id = ?`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item            shop.LineItem
			price, currency string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Name, &item.Quantity, &price, &currency); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		item.UnitPrice = core.NewMoney(price, core.Currency(currency))
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

// =============================================================================
// LEDGER (ledger.Store interface)
// =============================================================================

const ledgerColumns = `id, source_type, source_id, direction, amount, currency, method,
	status, paid_at, gateway_reference, idempotency_key, center_id, metadata_json, created_at`

// InsertLedgerTransaction appends one entry. A duplicate key surfaces
// as ledger.ErrDuplicateIdempotencyKey.
func (q *queries) InsertLedgerTransaction(ctx context.Context, tx ledger.Transaction) error {
	var meta sql.NullString
	if !tx.Meta.IsZero() {
		meta = nullString(ledger.MarshalMeta(tx.Meta))
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.SourceType), tx.SourceID, string(tx.Direction),
		tx.Amount.Amount.String(), string(tx.Amount.Currency),
		nullString(string(tx.Method)), string(tx.Status),
		tx.PaidAt.UTC().Format(time.RFC3339),
		nullString(tx.GatewayReference), tx.IdempotencyKey,
		nullString(tx.CenterID), meta,
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert ledger transaction: %w", err)
	}
	return nil
}

// LedgerByIdempotencyKey returns the entry with the given key, or nil.
func (q *queries) LedgerByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return q.oneLedgerTransaction(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_transactions WHERE idempotency_key = ?`, key)
}

// LedgerBySource returns the entry for one economic event, or nil.
func (q *queries) LedgerBySource(ctx context.Context, source ledger.SourceType, sourceID string, dir ledger.Direction) (*ledger.Transaction, error) {
	return q.oneLedgerTransaction(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE source_type = ? AND source_id = ? AND direction = ?
		ORDER BY created_at LIMIT 1`,
		string(source), sourceID, string(dir))
}

func (q *queries) oneLedgerTransaction(ctx context.Context, query string, args ...any) (*ledger.Transaction, error) {
	entries, err := q.queryLedgerTransactions(ctx, query, args...)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// QueryLedger returns one page of entries plus the total match count.
func (q *queries) QueryLedger(ctx context.Context, f ledger.Filter) ([]ledger.Transaction, int, error) {
	f.Normalize()

	where := []string{"1=1"}
	var args []any
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, string(f.SourceType))
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, string(f.Method))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.CenterID != "" {
		where = append(where, "center_id = ?")
		args = append(args, f.CenterID)
	}
	if f.DateFrom != nil {
		where = append(where, "paid_at >= ?")
		args = append(args, f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		where = append(where, "paid_at <= ?")
		args = append(args, f.DateTo.UTC().Format(time.RFC3339))
	}
	cond := strings.Join(where, " AND ")

	var total int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE `+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger transactions: %w", err)
	}

	pageArgs := append(args, f.Limit, f.Offset())
	entries, err := q.queryLedgerTransactions(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE `+cond+`
		ORDER BY paid_at DESC, created_at DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ReservationRowExists supports write-time referential checks.
func (q *queries) ReservationRowExists(ctx context.Context, id string) (bool, error) {
	return q.rowExists(ctx, `SELECT COUNT(*) FROM reservations WHERE id = ?`, id)
}

// OrderRowExists supports write-time referential checks.
func (q *queries) OrderRowExists(ctx context.Context, id string) (bool, error) {
	return q.rowExists(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, id)
}

func (q *queries) rowExists(ctx context.Context, query, id string) (bool, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (q *queries) queryLedgerTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx               ledger.Transaction
			amount, currency string
			method           sql.NullString
			paidAt           string
			gatewayRef       sql.NullString
			centerID         sql.NullString
			meta             sql.NullString
			createdAt        string
		)
		err := rows.Scan(&tx.ID, (*string)(&tx.SourceType), &tx.SourceID,
			(*string)(&tx.Direction), &amount, &currency, &method,
			(*string)(&tx.Status), &paidAt, &gatewayRef, &tx.IdempotencyKey,
			&centerID, &meta, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger transaction: %w", err)
		}
		tx.Amount = core.NewMoney(amount, core.Currency(currency))
		tx.Method = core.PaymentMethod(method.String)
		tx.PaidAt, _ = time.Parse(time.RFC3339, paidAt)
		tx.GatewayReference = gatewayRef.String
		tx.CenterID = centerID.String
		if meta.Valid {
			tx.Meta = ledger.UnmarshalMeta(meta.String)
		}
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// WALLET (wallet.Store and wallet.TopUpStore interfaces)
// =============================================================================

// InsertWalletEntry appends one movement. A duplicate key surfaces as
// ledger.ErrDuplicateIdempotencyKey.
func (q *queries) InsertWalletEntry(ctx context.Context, e wallet.Entry) error {
	var meta sql.NullString
	if !e.Meta.IsZero() {
		meta = nullString(ledger.MarshalMeta(e.Meta))
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, reason, credits, balance_after,
			idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Type), string(e.Reason),
		e.Credits.String(), e.BalanceAfter.String(),
		e.IdempotencyKey, meta,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert wallet entry: %w", err)
	}
	return nil
}

// WalletEntryByKey returns the movement with the given key, or nil.
func (q *queries) WalletEntryByKey(ctx context.Context, key string) (*wallet.Entry, error) {
	entries, err := q.queryWalletEntries(ctx, `
		SELECT id, user_id, type, reason, credits, balance_after,
			idempotency_key, metadata_json, created_at
		FROM wallet_entries WHERE idempotency_key = ?`, key)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// WalletEntriesForUser returns a user's movements, oldest first.
func (q *queries) WalletEntriesForUser(ctx context.Context, userID string) ([]wallet.Entry, error) {
	return q.queryWalletEntries(ctx, `
		SELECT id, user_id, type, reason, credits, balance_after,
			idempotency_key, metadata_json, created_at
		FROM wallet_entries WHERE user_id = ?
		ORDER BY created_at, id`, userID)
}

func (q *queries) queryWalletEntries(ctx context.Context, query string, args ...any) ([]wallet.Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet entries: %w", err)
	}
	defer rows.Close()

	var out []wallet.Entry
	for rows.Next() {
		var (
			e                wallet.Entry
			credits, balance string
			meta             sql.NullString
			createdAt        string
		)
		err := rows.Scan(&e.ID, &e.UserID, (*string)(&e.Type), (*string)(&e.Reason),
			&credits, &balance, &e.IdempotencyKey, &meta, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet entry: %w", err)
		}
		e.Credits = parseDecimal(credits)
		e.BalanceAfter = parseDecimal(balance)
		if meta.Valid {
			e.Meta = ledger.UnmarshalMeta(meta.String)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertWalletTopUp adds a top-up record.
func (q *queries) InsertWalletTopUp(ctx context.Context, t wallet.TopUp) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wallet_topups (id, user_id, amount, currency, method,
			gateway_reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Amount.Amount.String(), string(t.Amount.Currency),
		string(t.Method), nullString(t.GatewayReference),
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert topup: %w", err)
	}
	return nil
}

// GetWalletTopUp returns one top-up, or nil.
func (q *queries) GetWalletTopUp(ctx context.Context, id string) (*wallet.TopUp, error) {
	topups, err := q.queryTopUps(ctx, `
		SELECT id, user_id, amount, currency, method, gateway_reference, created_at
		FROM wallet_topups WHERE id = ?`, id)
	if err != nil || len(topups) == 0 {
		return nil, err
	}
	return &topups[0], nil
}

// WalletTopUpsForUser returns a user's top-ups, newest first.
func (q *queries) WalletTopUpsForUser(ctx context.Context, userID string) ([]wallet.TopUp, error) {
	return q.queryTopUps(ctx, `
		SELECT id, user_id, amount, currency, method, gateway_reference, created_at
		FROM wallet_topups WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (q *queries) queryTopUps(ctx context.Context, query string, args ...any) ([]wallet.TopUp, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query topups: %w", err)
	}
	defer rows.Close()

	var out []wallet.TopUp
	for rows.Next() {
		var (
			t                wallet.TopUp
			amount, currency string
			gatewayRef       sql.NullString
			createdAt        string
		)
		err := rows.Scan(&t.ID, &t.UserID, &amount, &currency,
			(*string)(&t.Method), &gatewayRef, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topup: %w", err)
		}
		t.Amount = core.NewMoney(amount, core.Currency(currency))
		t.GatewayReference = gatewayRef.String
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// OUTBOX (outbox.Store interface)
// =============================================================================

// AppendOutboxEvent persists one event row.
func (q *queries) AppendOutboxEvent(ctx context.Context, e outbox.Event) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, payload_json, processed, processed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Data), boolInt(e.Processed),
		nullTime(e.ProcessedAt), e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// UnprocessedOutboxEvents returns up to limit unprocessed events,
// oldest first.
func (q *queries) UnprocessedOutboxEvents(ctx context.Context, limit int) ([]outbox.Event, error) {
	return q.queryOutboxEvents(ctx, `
		SELECT id, event_type, payload_json, processed, processed_at, created_at
		FROM outbox_events WHERE processed = 0
		ORDER BY created_at, id LIMIT ?`, limit)
}

// MarkOutboxEventProcessed sets the processed marker.
func (q *queries) MarkOutboxEventProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox_events SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "outbox event", ID: id}
	}
	return nil
}

// OutboxEventsByTypeSince returns events of one type created within the
// window, oldest first.
func (q *queries) OutboxEventsByTypeSince(ctx context.Context, t outbox.EventType, since time.Time) ([]outbox.Event, error) {
	return q.queryOutboxEvents(ctx, `
		SELECT id, event_type, payload_json, processed, processed_at, created_at
		FROM outbox_events WHERE event_type = ? AND created_at >= ?
		ORDER BY created_at, id`,
		string(t), since.UTC().Format(time.RFC3339))
}

func (q *queries) queryOutboxEvents(ctx context.Context, query string, args ...any) ([]outbox.Event, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var (
			e           outbox.Event
			payload     string
			processed   int
			processedAt sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, (*string)(&e.Type), &payload, &processed, &processedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Data = json.RawMessage(payload)
		e.Processed = processed != 0
		if processedAt.Valid {
			t, _ := time.Parse(time.RFC3339, processedAt.String)
			e.ProcessedAt = &t
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// PROMOTIONS (promo.Store interface)
// =============================================================================

const promotionColumns = `id, code, name, type, reward, max_reward, stackable, starts_at, ends_at,
	usage_limit, usage_count, days_of_week, hour_from, hour_to, active, created_at`

// InsertPromotion adds a campaign.
func (q *queries) InsertPromotion(ctx context.Context, p promo.Promotion) error {
	days, _ := json.Marshal(p.DaysOfWeek)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO promotions (`+promotionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, nullString(p.Name), string(p.Type),
		p.Reward.String(), p.MaxReward.String(), boolInt(p.Stackable),
		nullTimeVal(p.StartsAt), nullTimeVal(p.EndsAt),
		p.UsageLimit, p.UsageCount, string(days), p.HourFrom, p.HourTo,
		boolInt(p.Active), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Resource: "promotion", Detail: "code " + p.Code + " already exists"}
		}
		return fmt.Errorf("failed to insert promotion: %w", err)
	}
	return nil
}

// GetPromotion returns one campaign, or nil.
func (q *queries) GetPromotion(ctx context.Context, id string) (*promo.Promotion, error) {
	return q.onePromotion(ctx,
		`SELECT `+promotionColumns+` FROM promotions WHERE id = ?`, id)
}

// PromotionByCode returns the campaign with the given code, or nil.
func (q *queries) PromotionByCode(ctx context.Context, code string) (*promo.Promotion, error) {
	return q.onePromotion(ctx,
		`SELECT `+promotionColumns+` FROM promotions WHERE code = ?`, code)
}

func (q *queries) onePromotion(ctx context.Context, query string, args ...any) (*promo.Promotion, error) {
	promos, err := q.queryPromotions(ctx, query, args...)
	if err != nil || len(promos) == 0 {
		return nil, err
	}
	return &promos[0], nil
}

// ListPromotions returns configured campaigns.
func (q *queries) ListPromotions(ctx context.Context, activeOnly bool) ([]promo.Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at DESC`
	return q.queryPromotions(ctx, query)
}

func (q *queries) queryPromotions(ctx context.Context, query string, args ...any) ([]promo.Promotion, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotions: %w", err)
	}
	defer rows.Close()

	var out []promo.Promotion
	for rows.Next() {
		var (
			p                 promo.Promotion
			name              sql.NullString
			reward, maxReward string
			stackable, active int
			startsAt, endsAt  sql.NullString
			days              sql.NullString
			createdAt         string
		)
		err := rows.Scan(&p.ID, &p.Code, &name, (*string)(&p.Type),
			&reward, &maxReward, &stackable, &startsAt, &endsAt,
			&p.UsageLimit, &p.UsageCount, &days, &p.HourFrom, &p.HourTo,
			&active, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		p.Name = name.String
		p.Reward = parseDecimal(reward)
		p.MaxReward = parseDecimal(maxReward)
		p.Stackable = stackable != 0
		p.Active = active != 0
		if startsAt.Valid {
			p.StartsAt, _ = time.Parse(time.RFC3339, startsAt.String)
		}
		if endsAt.Valid {
			p.EndsAt, _ = time.Parse(time.RFC3339, endsAt.String)
		}
		if days.Valid && days.String != "" {
			json.Unmarshal([]byte(days.String), &p.DaysOfWeek)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPromotionApplication records one grant. A duplicate key
// surfaces as ledger.ErrDuplicateIdempotencyKey.
func (q *queries) InsertPromotionApplication(ctx context.Context, a promo.Application) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO promotion_applications (id, promotion_id, user_id, reservation_id,
			credits_awarded, discount, idempotency_key, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PromotionID, a.UserID, nullString(a.ReservationID),
		a.CreditsAwarded.String(), a.Discount.String(),
		a.IdempotencyKey, a.AppliedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert promotion application: %w", err)
	}
	return nil
}

// PromotionApplicationByKey returns the grant with the given key, or nil.
func (q *queries) PromotionApplicationByKey(ctx context.Context, key string) (*promo.Application, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, promotion_id, user_id, reservation_id, credits_awarded, discount,
			idempotency_key, applied_at
		FROM promotion_applications WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		a                 promo.Application
		reservationID     sql.NullString
		credits, discount string
		appliedAt         string
	)
	err = rows.Scan(&a.ID, &a.PromotionID, &a.UserID, &reservationID,
		&credits, &discount, &a.IdempotencyKey, &appliedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan promotion application: %w", err)
	}
	a.ReservationID = reservationID.String
	a.CreditsAwarded = parseDecimal(credits)
	a.Discount = parseDecimal(discount)
	a.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
	return &a, nil
}

// IncrementPromotionUsage bumps the usage counter only while it is
// below the limit and reports whether it did. Keeps concurrent applies
// from overshooting a bounded campaign.
func (q *queries) IncrementPromotionUsage(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE promotions SET usage_count = usage_count + 1
		WHERE id = ? AND (usage_limit = 0 OR usage_count < usage_limit)`, id)
	if err != nil {
		return false, fmt.Errorf("failed to increment promotion usage: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullTimeVal(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseDecimal re-hydrates stored amounts. They were written by
// decimal.String, so a parse failure means corruption; fall back to
// zero rather than poison every read path with an error return.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
