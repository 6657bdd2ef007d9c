/*
memory.go - In-memory store for tests

PURPOSE:
  A map-backed implementation of the ledger, wallet, outbox and
  reconciliation store interfaces. Fast unit tests without a database
  file. Transactions are simulated with snapshot and rollback.

SEE ALSO:
  - store/sqlite/sqlite.go: the production implementation
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/wallet"
)

// Store is an in-memory fake covering the financial store surfaces.
type Store struct {
	mu sync.RWMutex

	users        map[string]core.User
	ledgerByKey  map[string]ledger.Transaction
	ledgerOrder  []string
	walletByKey  map[string]wallet.Entry
	walletOrder  []string
	outboxEvents []outbox.Event
	reservations map[string]booking.Reservation
	orders       map[string]shop.Order
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:        make(map[string]core.User),
		ledgerByKey:  make(map[string]ledger.Transaction),
		walletByKey:  make(map[string]wallet.Entry),
		reservations: make(map[string]booking.Reservation),
		orders:       make(map[string]shop.Order),
	}
}

// =============================================================================
// TRANSACTIONS - snapshot and rollback
// =============================================================================

func (s *Store) snapshot() *Store {
	c := New()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.ledgerByKey {
		c.ledgerByKey[k] = v
	}
	c.ledgerOrder = append([]string{}, s.ledgerOrder...)
	for k, v := range s.walletByKey {
		c.walletByKey[k] = v
	}
	c.walletOrder = append([]string{}, s.walletOrder...)
	c.outboxEvents = append([]outbox.Event{}, s.outboxEvents...)
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

func (s *Store) restore(snap *Store) {
	s.users = snap.users
	s.ledgerByKey = snap.ledgerByKey
	s.ledgerOrder = snap.ledgerOrder
	s.walletByKey = snap.walletByKey
	s.walletOrder = snap.walletOrder
	s.outboxEvents = snap.outboxEvents
	s.reservations = snap.reservations
	s.orders = snap.orders
}

func (s *Store) withTx(fn func() error) error {
	snap := s.snapshot()
	if err := fn(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// RunReconTx simulates a transaction with rollback on error.
func (s *Store) RunReconTx(_ context.Context, fn func(tx ledger.Store) error) error {
	return s.withTx(func() error { return fn(s) })
}

// RunWalletTx simulates a transaction with rollback on error.
func (s *Store) RunWalletTx(_ context.Context, fn func(tx wallet.TopUpTxStore) error) error {
	return s.withTx(func() error { return fn(walletTxView{s}) })
}

// walletTxView fills the TopUpStore surface the fake does not persist.
type walletTxView struct{ *Store }

func (walletTxView) InsertWalletTopUp(context.Context, wallet.TopUp) error { return nil }
func (walletTxView) GetWalletTopUp(context.Context, string) (*wallet.TopUp, error) {
	return nil, nil
}
func (walletTxView) WalletTopUpsForUser(context.Context, string) ([]wallet.TopUp, error) {
	return nil, nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) PutUser(u core.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) GetUser(_ context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) UpdateUserCreditsBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return &core.NotFoundError{Kind: "user", ID: userID}
	}
	u.CreditsBalance = balance
	s.users[userID] = u
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) InsertLedgerTransaction(_ context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ledgerByKey[tx.IdempotencyKey]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	s.ledgerByKey[tx.IdempotencyKey] = tx
	s.ledgerOrder = append(s.ledgerOrder, tx.IdempotencyKey)
	return nil
}

func (s *Store) LedgerByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.ledgerByKey[key]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (s *Store) LedgerBySource(_ context.Context, source ledger.SourceType, sourceID string, dir ledger.Direction) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.ledgerOrder {
		tx := s.ledgerByKey[key]
		if tx.SourceType == source && tx.SourceID == sourceID && tx.Direction == dir {
			return &tx, nil
		}
	}
	return nil, nil
}

func (s *Store) QueryLedger(_ context.Context, f ledger.Filter) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f.Normalize()

	var all []ledger.Transaction
	for _, key := range s.ledgerOrder {
		tx := s.ledgerByKey[key]
		if f.SourceType != "" && tx.SourceType != f.SourceType {
			continue
		}
		if f.Method != "" && tx.Method != f.Method {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.CenterID != "" && tx.CenterID != f.CenterID {
			continue
		}
		if f.DateFrom != nil && tx.PaidAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && tx.PaidAt.After(*f.DateTo) {
			continue
		}
		all = append(all, tx)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].PaidAt.After(all[j].PaidAt) })

	total := len(all)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *Store) ReservationRowExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.reservations[id]
	return ok, nil
}

func (s *Store) OrderRowExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orders[id]
	return ok, nil
}

// =============================================================================
// WALLET
// =============================================================================

func (s *Store) InsertWalletEntry(_ context.Context, e wallet.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.walletByKey[e.IdempotencyKey]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	s.walletByKey[e.IdempotencyKey] = e
	s.walletOrder = append(s.walletOrder, e.IdempotencyKey)
	return nil
}

func (s *Store) WalletEntryByKey(_ context.Context, key string) (*wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.walletByKey[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) WalletEntriesForUser(_ context.Context, userID string) ([]wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []wallet.Entry
	for _, key := range s.walletOrder {
		if e := s.walletByKey[key]; e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (s *Store) AppendOutboxEvent(_ context.Context, e outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxEvents = append(s.outboxEvents, e)
	return nil
}

func (s *Store) UnprocessedOutboxEvents(_ context.Context, limit int) ([]outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, e := range s.outboxEvents {
		if !e.Processed {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxEventProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outboxEvents {
		if s.outboxEvents[i].ID == id && !s.outboxEvents[i].Processed {
			s.outboxEvents[i].Processed = true
			t := at
			s.outboxEvents[i].ProcessedAt = &t
			return nil
		}
	}
	return &core.NotFoundError{Kind: "outbox event", ID: id}
}

func (s *Store) OutboxEventsByTypeSince(_ context.Context, t outbox.EventType, since time.Time) ([]outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, e := range s.outboxEvents {
		if e.Type == t && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// RECONCILIATION SOURCES
// =============================================================================

func (s *Store) PutReservation(r booking.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
}

func (s *Store) PutOrder(o shop.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *Store) PaidReservationsSince(_ context.Context, since time.Time) ([]booking.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []booking.Reservation
	for _, r := range s.reservations {
		if r.PaidAt != nil && !r.PaidAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PaidOrdersSince(_ context.Context, since time.Time) ([]shop.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []shop.Order
	for _, o := range s.orders {
		if o.Status == shop.OrderPaid && o.PaidAt != nil && !o.PaidAt.Before(since) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
