package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/recon"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	srv   *httptest.Server
	store *sqlite.Store
	auth  *api.Auth
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zap.NewNop().Sugar()
	h := &api.Handler{
		Store:           store,
		Bookings:        booking.NewService(store, store, log, 15*time.Minute),
		Orders:          shop.NewService(store, store, log),
		Promos:          promo.NewEngine(store, store, log),
		TopUps:          wallet.NewTopUpService(store, log),
		Recon:           recon.NewJob(store, store, log),
		Log:             log,
		TaxRate:         decimal.NewFromInt(21),
		TaxIncluded:     true,
		DefaultCurrency: core.EUR,
	}
	auth := &api.Auth{TokenSecret: "token-secret", JobSecret: "job-secret"}

	srv := httptest.NewServer(api.NewRouter(h, auth, nil))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store, auth: auth}
}

// do sends a JSON request and decodes the response into out when out is
// non-nil.
func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) createUser(t *testing.T, name, email string) api.UserDTO {
	t.Helper()
	var u api.UserDTO
	status := a.do(t, http.MethodPost, "/api/users", api.CreateUserRequest{Name: name, Email: email}, &u)
	require.Equal(t, http.StatusCreated, status)
	return u
}

func (a *testAPI) createCourt(t *testing.T) api.CourtDTO {
	t.Helper()
	var c api.CourtDTO
	status := a.do(t, http.MethodPost, "/api/courts", api.CreateCourtRequest{
		CenterID:        "center-1",
		Name:            "Pista 1",
		PrimaryActivity: string(booking.ActivityPadel),
		HourlyRate:      "24.00",
	}, &c)
	require.Equal(t, http.StatusCreated, status)
	return c
}

func (a *testAPI) createReservation(t *testing.T, userID, courtID string) api.ReservationDTO {
	t.Helper()
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	var res api.ReservationDTO
	status := a.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		UserID:    userID,
		CourtID:   courtID,
		StartTime: start.Format(time.RFC3339),
		EndTime:   start.Add(90 * time.Minute).Format(time.RFC3339),
	}, &res)
	require.Equal(t, http.StatusCreated, status)
	return res
}

// =============================================================================
// HEALTH AND USERS
// =============================================================================

func TestAPI_Health(t *testing.T) {
	a := newTestAPI(t)
	var body map[string]string
	status := a.do(t, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateUser(t *testing.T) {
	a := newTestAPI(t)

	u := a.createUser(t, "Ana", "ana@example.com")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "0", u.CreditsBalance)

	var fetched api.UserDTO
	status := a.do(t, http.MethodGet, "/api/users/"+u.ID, nil, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, u.ID, fetched.ID)

	status = a.do(t, http.MethodGet, "/api/users/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var errBody api.ErrorResponse
	status = a.do(t, http.MethodPost, "/api/users", api.CreateUserRequest{Name: "NoMail"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, errBody.Error)
}

func TestAPI_CreateUser_GrantsSignupBonus(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN a live signup campaign
	var p api.PromotionDTO
	status := a.do(t, http.MethodPost, "/api/promotions", api.CreatePromotionRequest{
		Code: "WELCOME", Type: string(promo.TypeSignupBonus), Reward: "10",
	}, &p)
	require.Equal(t, http.StatusCreated, status)

	// WHEN a user registers
	u := a.createUser(t, "Leo", "leo@example.com")

	// THEN the response already carries the bonus
	assert.Equal(t, "10", u.CreditsBalance)

	// a named code claims that campaign explicitly
	var claimed api.UserDTO
	status = a.do(t, http.MethodPost, "/api/users", api.CreateUserRequest{
		Name: "Mia", Email: "mia@example.com", PromoCode: "WELCOME",
	}, &claimed)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "10", claimed.CreditsBalance)
}

// =============================================================================
// WALLET
// =============================================================================

func TestAPI_WalletTopUp(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")

	var topup api.TopUpDTO
	status := a.do(t, http.MethodPost, "/api/users/"+u.ID+"/wallet/topups", api.TopUpRequest{
		Amount: "25.00", Method: string(core.MethodCard), GatewayReference: "gw-1",
	}, &topup)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "25", topup.Amount)

	var w api.WalletDTO
	status = a.do(t, http.MethodGet, "/api/users/"+u.ID+"/wallet", nil, &w)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "25", w.Balance)
	require.Len(t, w.Entries, 1)
	assert.Equal(t, "25", w.Entries[0].BalanceAfter)
}

// =============================================================================
// RESERVATION FLOW
// =============================================================================

func TestAPI_ReservationPaymentFlow(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")
	c := a.createCourt(t)

	res := a.createReservation(t, u.ID, c.ID)
	assert.Equal(t, string(booking.StatusPending), res.Status)
	assert.Equal(t, "36", res.Price)

	// WHEN the reservation is paid by card
	var paid struct {
		Reservation api.ReservationDTO `json:"reservation"`
		Ledger      api.LedgerEntryDTO `json:"ledger"`
	}
	status := a.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/pay",
		api.PayRequest{Method: string(core.MethodCard), GatewayReference: "gw-9"}, &paid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(booking.StatusPaid), paid.Reservation.Status)
	assert.Equal(t, "RESERVATION:"+res.ID, paid.Ledger.IdempotencyKey)
	require.NotNil(t, paid.Ledger.Tax)
	assert.Equal(t, "36", paid.Ledger.Tax.Gross)

	// THEN the entry shows up in the ledger query
	var page api.LedgerPageDTO
	status = a.do(t, http.MethodGet, "/api/ledger?source_type=RESERVATION", nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, paid.Ledger.ID, page.Entries[0].ID)

	// AND a refund flips it back with a DEBIT entry
	var refunded struct {
		Reservation api.ReservationDTO `json:"reservation"`
		Ledger      api.LedgerEntryDTO `json:"ledger"`
	}
	status = a.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/refund",
		api.RefundRequest{RefundID: "rf-1", Reason: "rain"}, &refunded)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(booking.StatusCancelled), refunded.Reservation.Status)
	assert.Equal(t, "DEBIT", refunded.Ledger.Direction)
	assert.Equal(t, "RESERVATION:"+res.ID+":REFUND:rf-1", refunded.Ledger.IdempotencyKey)
}

func TestAPI_Reservation_BadRequests(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")
	c := a.createCourt(t)

	// garbled time
	status := a.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		UserID: u.ID, CourtID: c.ID, StartTime: "tomorrow", EndTime: "later",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// paying an unknown reservation
	status = a.do(t, http.MethodPost, "/api/reservations/ghost/pay",
		api.PayRequest{Method: string(core.MethodCard)}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// cancelling a reservation that was never paid, twice
	res := a.createReservation(t, u.ID, c.ID)
	status = a.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = a.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

// =============================================================================
// ORDERS
// =============================================================================

func TestAPI_OrderFlow(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")

	var o api.OrderDTO
	status := a.do(t, http.MethodPost, "/api/orders", api.CreateOrderRequest{
		UserID: u.ID,
		Items: []api.OrderItemRequest{
			{Name: "Padel balls x3", Quantity: 2, UnitPrice: "6.50"},
		},
	}, &o)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "13", o.Total)

	var paid struct {
		Order  api.OrderDTO       `json:"order"`
		Ledger api.LedgerEntryDTO `json:"ledger"`
	}
	status = a.do(t, http.MethodPost, "/api/orders/"+o.ID+"/pay",
		api.PayRequest{Method: string(core.MethodCash)}, &paid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(shop.OrderPaid), paid.Order.Status)
	assert.Equal(t, "ORDER:"+o.ID, paid.Ledger.IdempotencyKey)

	// a paid order cannot be cancelled
	status = a.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

func TestAPI_GatewayCallbacks(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")
	c := a.createCourt(t)
	res := a.createReservation(t, u.ID, c.ID)

	// callbacks are service-only
	status := a.do(t, http.MethodPost, "/api/gateway/payments", api.GatewayPaymentRequest{
		SourceType: "RESERVATION", SourceID: res.ID, Method: string(core.MethodCard),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// WHEN the gateway confirms the reservation payment
	var paid struct {
		Reservation api.ReservationDTO `json:"reservation"`
		Ledger      api.LedgerEntryDTO `json:"ledger"`
	}
	status = a.do(t, http.MethodPost, "/api/gateway/payments?secret=job-secret",
		api.GatewayPaymentRequest{
			SourceType: "RESERVATION", SourceID: res.ID,
			Method: string(core.MethodCard), GatewayReference: "gw-cb-1",
		}, &paid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(booking.StatusPaid), paid.Reservation.Status)
	assert.Equal(t, "gw-cb-1", paid.Ledger.GatewayReference)

	// AND later refunds it
	var refunded struct {
		Reservation api.ReservationDTO `json:"reservation"`
		Ledger      api.LedgerEntryDTO `json:"ledger"`
	}
	status = a.do(t, http.MethodPost, "/api/gateway/refunds?secret=job-secret",
		api.GatewayRefundRequest{SourceID: res.ID, RefundReference: "rf-cb-1"}, &refunded)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(booking.StatusCancelled), refunded.Reservation.Status)
	assert.Equal(t, "RESERVATION:"+res.ID+":REFUND:rf-cb-1", refunded.Ledger.IdempotencyKey)

	// top-ups route through the same callback when the adapter knows the buyer
	var topup api.TopUpDTO
	status = a.do(t, http.MethodPost, "/api/gateway/payments?secret=job-secret",
		api.GatewayPaymentRequest{
			SourceType: "TOPUP", SourceID: "tu-cb-1", UserID: u.ID,
			Amount: "10.00", Method: string(core.MethodCard),
		}, &topup)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "10", topup.Amount)

	// an unknown source type is rejected before any write
	status = a.do(t, http.MethodPost, "/api/gateway/payments?secret=job-secret",
		api.GatewayPaymentRequest{SourceType: "MEMBERSHIP", SourceID: "m-1", Method: "CARD"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// LEDGER EXPORT
// =============================================================================

func TestAPI_LedgerCSV(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")
	c := a.createCourt(t)
	res := a.createReservation(t, u.ID, c.ID)
	status := a.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/pay",
		api.PayRequest{Method: string(core.MethodCard)}, nil)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(a.srv.URL + "/api/ledger?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,source_type,source_id"))
	assert.Contains(t, lines[1], "RESERVATION:"+res.ID)
}

// =============================================================================
// SERVICE AUTH
// =============================================================================

func TestAPI_JobsRequireServiceAuth(t *testing.T) {
	a := newTestAPI(t)

	// no credentials
	status := a.do(t, http.MethodPost, "/api/jobs/sweep", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// shared job secret
	var sweep api.SweepResultDTO
	status = a.do(t, http.MethodPost, "/api/jobs/sweep?secret=job-secret", nil, &sweep)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, sweep.Scanned)

	// minted service token
	token, err := a.auth.MintServiceToken("cron", time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/api/jobs/reconcile?days=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a garbage token is rejected
	req, err = http.NewRequest(http.MethodPost, a.srv.URL+"/api/jobs/sweep", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_OutboxEndpoints(t *testing.T) {
	a := newTestAPI(t)
	u := a.createUser(t, "Ana", "ana@example.com")

	// a top-up leaves an event behind
	status := a.do(t, http.MethodPost, "/api/users/"+u.ID+"/wallet/topups", api.TopUpRequest{
		Amount: "25.00", Method: string(core.MethodCard),
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var events []api.OutboxEventDTO
	status = a.do(t, http.MethodGet, "/api/outbox/pending?secret=job-secret", nil, &events)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, events, 1)
	assert.Equal(t, "WALLET_TOPUP", events[0].Type)

	status = a.do(t, http.MethodPost, "/api/outbox/"+events[0].ID+"/ack?secret=job-secret", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = a.do(t, http.MethodGet, "/api/outbox/pending?secret=job-secret", nil, &events)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, events)
}
