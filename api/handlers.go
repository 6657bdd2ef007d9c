/*
handlers.go - HTTP API handlers for the booking financial engine

PURPOSE:
  Exposes the reservation lifecycle, wallet, orders, promotions, the
  ledger and the maintenance jobs via REST. Handlers parse and validate
  the request, delegate to domain services, and serialize the response.

ENDPOINTS:
  Users and wallet:
    POST   /api/users                       Register (grants signup bonus)
    GET    /api/users/{id}                  Account details
    GET    /api/users/{id}/wallet           Balance plus movement history
    POST   /api/users/{id}/wallet/topups    Buy store credit
    GET    /api/users/{id}/reservations     Booking history
    GET    /api/users/{id}/orders           Purchase history

  Courts:
    GET    /api/courts                      List courts (?center_id=)
    POST   /api/courts                      Register a court
    GET    /api/courts/{id}                 Court details

  Reservations:
    POST   /api/reservations                Book a slot (PENDING)
    GET    /api/reservations/{id}           Reservation details
    POST   /api/reservations/{id}/pay       Confirm payment
    POST   /api/reservations/{id}/refund    Refund and cancel
    POST   /api/reservations/{id}/cancel    Cancel unpaid
    POST   /api/reservations/{id}/check-in  Mark arrived
    POST   /api/reservations/{id}/check-out Close the slot
    POST   /api/reservations/{id}/no-show   Keep the money, flag absence
    POST   /api/reservations/{id}/price     Staff price override
    GET    /api/reservations/{id}/notes     Annotations
    POST   /api/reservations/{id}/notes     Append annotation

  Orders:
    POST   /api/orders                      Open a pro-shop order
    GET    /api/orders/{id}                 Order details
    POST   /api/orders/{id}/pay             Mark paid
    POST   /api/orders/{id}/cancel          Cancel unpaid

  Promotions:
    GET    /api/promotions                  List campaigns
    POST   /api/promotions                  Create campaign
    POST   /api/promotions/validate         Dry-run a code
    POST   /api/promotions/apply            Record a grant

  Ledger:
    GET    /api/ledger                      Filtered, paginated entries
                                            (?format=csv for export)

  Gateway callbacks (service token or ?secret=):
    POST   /api/gateway/payments            Normalized success callback
    POST   /api/gateway/refunds             Normalized refund callback

  Outbox:
    GET    /api/outbox/pending              Undelivered events
    POST   /api/outbox/{id}/ack             Consumer acknowledgement

  Jobs (service token or ?secret=):
    GET    /api/jobs/sweep                  Cancel expired PENDING rows
    GET    /api/jobs/reconcile              Backfill missing entries
                                            (?days=, default 2, max 30)

ERROR HANDLING:
  Errors map to JSON bodies with appropriate status:
  - 400 validation, 401 unauthorized, 404 not found,
    409 conflict / illegal transition, 402 insufficient credits,
    500 everything else.

SEE ALSO:
  - dto.go: wire shapes
  - server.go: routing and middleware
*/
package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/recon"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Bookings *booking.Service
	Orders   *shop.Service
	Promos   *promo.Engine
	TopUps   *wallet.TopUpService
	Recon    *recon.Job
	Log      *zap.SugaredLogger

	// Tax reporting configuration. Rate is a percentage.
	TaxRate     decimal.Decimal
	TaxIncluded bool

	DefaultCurrency core.Currency
}

func (h *Handler) ledger() *ledger.Ledger    { return ledger.New(h.Store) }
func (h *Handler) wallet() *wallet.Projector { return wallet.NewProjector(h.Store) }

// taxFraction converts the configured percentage to the fractional rate
// BreakdownTax expects.
func (h *Handler) taxFraction() decimal.Decimal {
	return h.TaxRate.Div(decimal.NewFromInt(100))
}
func (h *Handler) currency(s string) core.Currency {
	if s != "" {
		return core.Currency(s)
	}
	if h.DefaultCurrency != "" {
		return h.DefaultCurrency
	}
	return core.EUR
}

// =============================================================================
// USERS AND WALLET
// =============================================================================

// CreateUser registers an account and grants the signup bonus when a
// campaign is active.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "name and email are required", nil)
		return
	}

	u := core.User{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Email:          req.Email,
		CreditsBalance: decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.Store.CreateUser(ctx, u); err != nil {
		h.respondError(w, err, "failed to create user")
		return
	}

	// The bonus is a separate transaction on purpose: a broken campaign
	// must not block registration.
	if req.PromoCode != "" {
		if _, _, err := h.Promos.Apply(ctx, promo.ApplyRequest{Code: req.PromoCode, UserID: u.ID}); err != nil {
			h.Log.Errorw("signup promo not applied", "user_id", u.ID, "code", req.PromoCode, "error", err)
		}
	} else if _, err := h.Promos.GrantSignupBonus(ctx, u.ID); err != nil {
		h.Log.Errorw("signup bonus not granted", "user_id", u.ID, "error", err)
	}

	fresh, err := h.Store.GetUser(ctx, u.ID)
	if err != nil || fresh == nil {
		fresh = &u
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*fresh))
}

// GetUser returns account details.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to get user")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// GetWallet returns the cached balance with the movement history.
// GET /api/users/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	balance, err := h.wallet().Balance(ctx, userID)
	if err != nil {
		h.respondError(w, err, "failed to get wallet")
		return
	}
	entries, err := h.wallet().Entries(ctx, userID)
	if err != nil {
		h.respondError(w, err, "failed to get wallet entries")
		return
	}

	dto := WalletDTO{UserID: userID, Balance: balance.String(), Entries: []WalletEntryDTO{}}
	for _, e := range entries {
		dto.Entries = append(dto.Entries, toWalletEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// TopUpWallet records a confirmed store-credit purchase.
// POST /api/users/{id}/wallet/topups
func (h *Handler) TopUpWallet(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	t, err := h.TopUps.Purchase(r.Context(), req.TopUpID, chi.URLParam(r, "id"),
		core.NewMoneyFromDecimal(amount, h.currency(req.Currency)),
		core.PaymentMethod(req.Method), req.GatewayReference)
	if err != nil {
		h.respondError(w, err, "failed to top up wallet")
		return
	}
	writeJSON(w, http.StatusCreated, toTopUpDTO(t))
}

// ListUserReservations returns a user's booking history.
// GET /api/users/{id}/reservations
func (h *Handler) ListUserReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := h.Bookings.ForUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to list reservations")
		return
	}
	dtos := []ReservationDTO{}
	for _, res := range reservations {
		dtos = append(dtos, toReservationDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListUserOrders returns a user's purchase history.
// GET /api/users/{id}/orders
func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.ForUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to list orders")
		return
	}
	dtos := []OrderDTO{}
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COURTS
// =============================================================================

// CreateCourt registers a court.
// POST /api/courts
func (h *Handler) CreateCourt(w http.ResponseWriter, r *http.Request) {
	var req CreateCourtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" || req.PrimaryActivity == "" {
		writeError(w, http.StatusBadRequest, "name and primary_activity are required", nil)
		return
	}
	rate, err := decimal.NewFromString(req.HourlyRate)
	if err != nil || rate.IsNegative() {
		writeError(w, http.StatusBadRequest, "invalid hourly_rate", err)
		return
	}

	c := booking.Court{
		ID:              uuid.NewString(),
		CenterID:        req.CenterID,
		Name:            req.Name,
		PrimaryActivity: booking.Activity(req.PrimaryActivity),
		HourlyRate:      core.NewMoneyFromDecimal(rate, h.currency(req.Currency)),
		CreatedAt:       time.Now().UTC(),
	}
	for _, a := range req.CompatibleSecondary {
		c.CompatibleSecondary = append(c.CompatibleSecondary, booking.Activity(a))
	}
	if err := h.Store.InsertCourt(r.Context(), c); err != nil {
		h.respondError(w, err, "failed to create court")
		return
	}
	writeJSON(w, http.StatusCreated, toCourtDTO(c))
}

// ListCourts returns courts, optionally filtered by center.
// GET /api/courts?center_id=
func (h *Handler) ListCourts(w http.ResponseWriter, r *http.Request) {
	courts, err := h.Store.ListCourts(r.Context(), r.URL.Query().Get("center_id"))
	if err != nil {
		h.respondError(w, err, "failed to list courts")
		return
	}
	dtos := []CourtDTO{}
	for _, c := range courts {
		dtos = append(dtos, toCourtDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCourt returns one court.
// GET /api/courts/{id}
func (h *Handler) GetCourt(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCourt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to get court")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "court not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCourtDTO(*c))
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// CreateReservation books a slot in PENDING state.
// POST /api/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time (use RFC 3339)", err)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_time (use RFC 3339)", err)
		return
	}

	res, err := h.Bookings.Create(r.Context(), booking.CreateRequest{
		UserID:    req.UserID,
		CourtID:   req.CourtID,
		Activity:  booking.Activity(req.Activity),
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		h.respondError(w, err, "failed to create reservation")
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// GetReservation returns one reservation.
// GET /api/reservations/{id}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to get reservation")
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "reservation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// PayReservation confirms payment of a pending reservation.
// POST /api/reservations/{id}/pay
func (h *Handler) PayReservation(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, entry, err := h.Bookings.ConfirmPayment(r.Context(), booking.PaymentRequest{
		ReservationID:    chi.URLParam(r, "id"),
		Method:           core.PaymentMethod(req.Method),
		GatewayReference: req.GatewayReference,
	})
	if err != nil {
		h.respondError(w, err, "failed to confirm payment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation": toReservationDTO(res),
		"ledger":      h.toLedgerEntryDTO(entry),
	})
}

// RefundReservation cancels a paid reservation with a compensating
// ledger entry.
// POST /api/reservations/{id}/refund
func (h *Handler) RefundReservation(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, entry, err := h.Bookings.Refund(r.Context(), booking.RefundRequest{
		ReservationID: chi.URLParam(r, "id"),
		RefundID:      req.RefundID,
		Reason:        req.Reason,
		Actor:         req.Actor,
	})
	if err != nil {
		h.respondError(w, err, "failed to refund reservation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation": toReservationDTO(res),
		"ledger":      h.toLedgerEntryDTO(entry),
	})
}

// CancelReservation drops an unpaid reservation.
// POST /api/reservations/{id}/cancel
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Bookings.Cancel, "failed to cancel reservation")
}

// CheckIn marks the player as arrived.
// POST /api/reservations/{id}/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Bookings.CheckIn, "failed to check in")
}

// CheckOut closes a running reservation.
// POST /api/reservations/{id}/check-out
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Bookings.CheckOut, "failed to check out")
}

// NoShow flags a paid reservation the player never used.
// POST /api/reservations/{id}/no-show
func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Bookings.NoShow, "failed to mark no-show")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string) (booking.Reservation, error), msg string) {
	res, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, msg)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// OverridePrice lets staff reprice an unpaid reservation.
// POST /api/reservations/{id}/price
func (h *Handler) OverridePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid price", err)
		return
	}

	res, err := h.Bookings.OverridePrice(r.Context(), chi.URLParam(r, "id"),
		core.NewMoneyFromDecimal(price, h.currency("")), req.Actor, req.Reason)
	if err != nil {
		h.respondError(w, err, "failed to override price")
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ListNotes returns a reservation's annotations.
// GET /api/reservations/{id}/notes
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.Bookings.Notes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to list notes")
		return
	}
	dtos := []NoteDTO{}
	for _, n := range notes {
		dtos = append(dtos, toNoteDTO(n))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddNote appends an annotation.
// POST /api/reservations/{id}/notes
func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	n, err := h.Bookings.AddNote(r.Context(), chi.URLParam(r, "id"), req.Author, req.Body)
	if err != nil {
		h.respondError(w, err, "failed to add note")
		return
	}
	writeJSON(w, http.StatusCreated, toNoteDTO(n))
}

// =============================================================================
// ORDERS
// =============================================================================

// CreateOrder opens a pro-shop order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var items []shop.LineItem
	for _, it := range req.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unit_price for "+it.Name, err)
			return
		}
		items = append(items, shop.LineItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: core.NewMoneyFromDecimal(price, h.currency(it.Currency)),
		})
	}

	o, err := h.Orders.Create(r.Context(), shop.CreateRequest{
		UserID:   req.UserID,
		CenterID: req.CenterID,
		Items:    items,
	})
	if err != nil {
		h.respondError(w, err, "failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to get order")
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*o))
}

// PayOrder marks an order paid.
// POST /api/orders/{id}/pay
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	o, entry, err := h.Orders.MarkPaid(r.Context(), chi.URLParam(r, "id"),
		core.PaymentMethod(req.Method), req.GatewayReference)
	if err != nil {
		h.respondError(w, err, "failed to pay order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":  toOrderDTO(o),
		"ledger": h.toLedgerEntryDTO(entry),
	})
}

// CancelOrder drops an unpaid order.
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err, "failed to cancel order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// PROMOTIONS
// =============================================================================

// CreatePromotion registers a campaign.
// POST /api/promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req CreatePromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	reward, err := decimal.NewFromString(req.Reward)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reward", err)
		return
	}

	p := promo.Promotion{
		Code:       req.Code,
		Name:       req.Name,
		Type:       promo.Type(req.Type),
		Reward:     reward,
		Stackable:  req.Stackable,
		UsageLimit: req.UsageLimit,
		HourFrom:   req.HourFrom,
		HourTo:     req.HourTo,
		Active:     true,
	}
	if req.MaxReward != "" {
		if p.MaxReward, err = decimal.NewFromString(req.MaxReward); err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_reward", err)
			return
		}
	}
	if req.StartsAt != "" {
		if p.StartsAt, err = time.Parse(time.RFC3339, req.StartsAt); err != nil {
			writeError(w, http.StatusBadRequest, "invalid starts_at", err)
			return
		}
	}
	if req.EndsAt != "" {
		if p.EndsAt, err = time.Parse(time.RFC3339, req.EndsAt); err != nil {
			writeError(w, http.StatusBadRequest, "invalid ends_at", err)
			return
		}
	}
	for _, d := range req.DaysOfWeek {
		p.DaysOfWeek = append(p.DaysOfWeek, time.Weekday(d))
	}
	if req.Active != nil {
		p.Active = *req.Active
	}

	created, err := h.Promos.Create(r.Context(), p)
	if err != nil {
		h.respondError(w, err, "failed to create promotion")
		return
	}
	writeJSON(w, http.StatusCreated, toPromotionDTO(created))
}

// ListPromotions returns campaigns.
// GET /api/promotions?active=true
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := h.Promos.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.respondError(w, err, "failed to list promotions")
		return
	}
	dtos := []PromotionDTO{}
	for _, p := range promos {
		dtos = append(dtos, toPromotionDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ValidatePromotion dry-runs a code against an amount. No side effects.
// POST /api/promotions/validate
func (h *Handler) ValidatePromotion(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.parsePromoCheck(w, r)
	if !ok {
		return
	}
	res, err := h.Promos.Validate(r.Context(), req.Code, req.UserID, amount)
	if err != nil {
		h.respondError(w, err, "failed to validate promotion")
		return
	}
	writeJSON(w, http.StatusOK, toPromoResultDTO(res))
}

// ApplyPromotion records a grant.
// POST /api/promotions/apply
func (h *Handler) ApplyPromotion(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.parsePromoCheck(w, r)
	if !ok {
		return
	}
	_, res, err := h.Promos.Apply(r.Context(), promo.ApplyRequest{
		Code:          req.Code,
		UserID:        req.UserID,
		ReservationID: req.ReservationID,
		Amount:        amount,
	})
	if err != nil {
		h.respondError(w, err, "failed to apply promotion")
		return
	}
	writeJSON(w, http.StatusOK, toPromoResultDTO(res))
}

func (h *Handler) parsePromoCheck(w http.ResponseWriter, r *http.Request) (PromoCheckRequest, core.Money, bool) {
	var req PromoCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return req, core.Money{}, false
	}
	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount", err)
			return req, core.Money{}, false
		}
	}
	return req, core.NewMoneyFromDecimal(amount, h.currency(req.Currency)), true
}

// =============================================================================
// LEDGER
// =============================================================================

// QueryLedger returns filtered, paginated ledger entries. ?format=csv
// streams the page as CSV for accounting exports.
// GET /api/ledger
func (h *Handler) QueryLedger(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	f := ledger.Filter{
		SourceType: ledger.SourceType(qs.Get("source_type")),
		Method:     core.PaymentMethod(qs.Get("method")),
		Status:     ledger.PaymentStatus(qs.Get("status")),
		CenterID:   qs.Get("center_id"),
	}
	if v := qs.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from (use RFC 3339)", err)
			return
		}
		f.DateFrom = &t
	}
	if v := qs.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to (use RFC 3339)", err)
			return
		}
		f.DateTo = &t
	}
	f.Page, _ = strconv.Atoi(qs.Get("page"))
	f.Limit, _ = strconv.Atoi(qs.Get("limit"))

	page, err := h.ledger().Query(r.Context(), f)
	if err != nil {
		h.respondError(w, err, "failed to query ledger")
		return
	}

	if qs.Get("format") == "csv" {
		h.writeLedgerCSV(w, page.Entries)
		return
	}

	dto := LedgerPageDTO{
		Entries: []LedgerEntryDTO{},
		Total:   page.Total,
		Page:    page.PageNum,
		Limit:   page.Limit,
	}
	for _, e := range page.Entries {
		dto.Entries = append(dto.Entries, h.toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) writeLedgerCSV(w http.ResponseWriter, entries []ledger.Transaction) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)

	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "source_type", "source_id", "direction", "amount", "currency",
		"method", "status", "paid_at", "net", "tax", "idempotency_key", "reconciled_by"})
	rate := h.taxFraction()
	for _, e := range entries {
		breakdown := ledger.BreakdownTax(e.Amount, rate, h.TaxIncluded)
		cw.Write([]string{
			e.ID, string(e.SourceType), e.SourceID, string(e.Direction),
			e.Amount.Amount.String(), string(e.Amount.Currency),
			string(e.Method), string(e.Status), e.PaidAt.Format(time.RFC3339),
			breakdown.Net.Amount.String(), breakdown.Tax.Amount.String(),
			e.IdempotencyKey, e.Meta.ReconciledBy,
		})
	}
	cw.Flush()
}

func (h *Handler) toLedgerEntryDTO(e ledger.Transaction) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:               e.ID,
		SourceType:       string(e.SourceType),
		SourceID:         e.SourceID,
		Direction:        string(e.Direction),
		Amount:           e.Amount.Amount.String(),
		Currency:         string(e.Amount.Currency),
		Method:           string(e.Method),
		Status:           string(e.Status),
		PaidAt:           e.PaidAt.Format(time.RFC3339),
		GatewayReference: e.GatewayReference,
		IdempotencyKey:   e.IdempotencyKey,
		CenterID:         e.CenterID,
		ReconciledBy:     e.Meta.ReconciledBy,
	}
	if !e.Meta.IsZero() {
		meta := e.Meta
		dto.Meta = &meta
	}
	if h.TaxRate.IsPositive() {
		b := ledger.BreakdownTax(e.Amount, h.taxFraction(), h.TaxIncluded)
		dto.Tax = &TaxDTO{
			Net:   b.Net.Amount.String(),
			Tax:   b.Tax.Amount.String(),
			Gross: b.Gross.Amount.String(),
			Rate:  h.TaxRate.String(),
		}
	}
	return dto
}

// =============================================================================
// OUTBOX
// =============================================================================

// ListPendingOutbox returns undelivered events, oldest first.
// GET /api/outbox/pending?limit=
func (h *Handler) ListPendingOutbox(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events, err := h.Store.UnprocessedOutboxEvents(r.Context(), limit)
	if err != nil {
		h.respondError(w, err, "failed to list outbox events")
		return
	}
	dtos := []OutboxEventDTO{}
	for _, e := range events {
		dtos = append(dtos, toOutboxEventDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AckOutboxEvent marks an event processed.
// POST /api/outbox/{id}/ack
func (h *Handler) AckOutboxEvent(w http.ResponseWriter, r *http.Request) {
	err := h.Store.MarkOutboxEventProcessed(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		h.respondError(w, err, "failed to ack outbox event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

// GatewayPayment handles the normalized success callback from the
// payment gateway adapter and routes it to the owning domain. Replays
// are absorbed by the ledger idempotency key either way.
// POST /api/gateway/payments
func (h *Handler) GatewayPayment(w http.ResponseWriter, r *http.Request) {
	var req GatewayPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	switch ledger.SourceType(req.SourceType) {
	case ledger.SourceReservation:
		res, entry, err := h.Bookings.ConfirmPayment(r.Context(), booking.PaymentRequest{
			ReservationID:    req.SourceID,
			Method:           core.PaymentMethod(req.Method),
			GatewayReference: req.GatewayReference,
		})
		if err != nil {
			h.respondError(w, err, "failed to confirm payment")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reservation": toReservationDTO(res),
			"ledger":      h.toLedgerEntryDTO(entry),
		})
	case ledger.SourceOrder:
		o, entry, err := h.Orders.MarkPaid(r.Context(), req.SourceID,
			core.PaymentMethod(req.Method), req.GatewayReference)
		if err != nil {
			h.respondError(w, err, "failed to confirm payment")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"order":  toOrderDTO(o),
			"ledger": h.toLedgerEntryDTO(entry),
		})
	case ledger.SourceTopUp:
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount", err)
			return
		}
		topup, err := h.TopUps.Purchase(r.Context(), req.SourceID, req.UserID,
			core.NewMoneyFromDecimal(amount, h.currency(req.Currency)),
			core.PaymentMethod(req.Method), req.GatewayReference)
		if err != nil {
			h.respondError(w, err, "failed to confirm top-up")
			return
		}
		writeJSON(w, http.StatusOK, toTopUpDTO(topup))
	default:
		writeError(w, http.StatusBadRequest, "unsupported source_type", nil)
	}
}

// GatewayRefund handles the normalized refund callback. Only
// reservations are refundable through the gateway.
// POST /api/gateway/refunds
func (h *Handler) GatewayRefund(w http.ResponseWriter, r *http.Request) {
	var req GatewayRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, entry, err := h.Bookings.Refund(r.Context(), booking.RefundRequest{
		ReservationID: req.SourceID,
		RefundID:      req.RefundReference,
		Reason:        req.Reason,
		Actor:         "gateway",
	})
	if err != nil {
		h.respondError(w, err, "failed to refund")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation": toReservationDTO(res),
		"ledger":      h.toLedgerEntryDTO(entry),
	})
}

// =============================================================================
// JOBS
// =============================================================================

// RunSweep cancels expired PENDING reservations now.
// GET|POST /api/jobs/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	cleaned, total, err := h.Bookings.SweepExpired(r.Context())
	if err != nil {
		h.respondError(w, err, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{
		Cleaned:        cleaned,
		Scanned:        total,
		TimeoutMinutes: int(h.Bookings.Timeout().Minutes()),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

// RunReconciliation backfills missing ledger entries now. The summary
// is returned even when individual rows failed.
// GET|POST /api/jobs/reconcile?days=
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	summary, err := h.Recon.Run(r.Context(), days)
	if err != nil {
		h.respondError(w, err, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondError maps domain errors onto HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		h.Log.Errorw(message, "error", err)
	}
	writeError(w, status, message, err)
}
