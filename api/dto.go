/*
dto.go - Request and response shapes for the HTTP API

PURPOSE:
  Keeps the wire format decoupled from domain types. Amounts cross the
  wire as decimal strings, never floats. Times are RFC 3339.

SEE ALSO:
  - handlers.go: where these are parsed and produced
*/
package api

import (
	"time"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/shop"
	"github.com/warp/booking-engine/wallet"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// USERS AND WALLET
// =============================================================================

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	// PromoCode claims a specific signup campaign; when empty any
	// active SIGNUP_BONUS campaign applies.
	PromoCode string `json:"promo_code,omitempty"`
}

type UserDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	CreditsBalance string `json:"credits_balance"`
	CreatedAt      string `json:"created_at"`
}

func toUserDTO(u core.User) UserDTO {
	return UserDTO{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		CreditsBalance: u.CreditsBalance.String(),
		CreatedAt:      u.CreatedAt.Format(time.RFC3339),
	}
}

type WalletEntryDTO struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	Credits      string `json:"credits"`
	BalanceAfter string `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

type WalletDTO struct {
	UserID  string           `json:"user_id"`
	Balance string           `json:"balance"`
	Entries []WalletEntryDTO `json:"entries"`
}

func toWalletEntryDTO(e wallet.Entry) WalletEntryDTO {
	return WalletEntryDTO{
		ID:           e.ID,
		Type:         string(e.Type),
		Reason:       string(e.Reason),
		Credits:      e.Credits.String(),
		BalanceAfter: e.BalanceAfter.String(),
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

type TopUpRequest struct {
	TopUpID          string `json:"topup_id,omitempty"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency,omitempty"`
	Method           string `json:"method"`
	GatewayReference string `json:"gateway_reference,omitempty"`
}

type TopUpDTO struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	GatewayReference string `json:"gateway_reference,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toTopUpDTO(t wallet.TopUp) TopUpDTO {
	return TopUpDTO{
		ID:               t.ID,
		UserID:           t.UserID,
		Amount:           t.Amount.Amount.String(),
		Currency:         string(t.Amount.Currency),
		Method:           string(t.Method),
		GatewayReference: t.GatewayReference,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// COURTS
// =============================================================================

type CreateCourtRequest struct {
	CenterID            string   `json:"center_id"`
	Name                string   `json:"name"`
	PrimaryActivity     string   `json:"primary_activity"`
	CompatibleSecondary []string `json:"compatible_secondary,omitempty"`
	HourlyRate          string   `json:"hourly_rate"`
	Currency            string   `json:"currency,omitempty"`
}

type CourtDTO struct {
	ID                  string   `json:"id"`
	CenterID            string   `json:"center_id"`
	Name                string   `json:"name"`
	PrimaryActivity     string   `json:"primary_activity"`
	CompatibleSecondary []string `json:"compatible_secondary,omitempty"`
	HourlyRate          string   `json:"hourly_rate"`
	Currency            string   `json:"currency"`
}

func toCourtDTO(c booking.Court) CourtDTO {
	var secondary []string
	for _, a := range c.CompatibleSecondary {
		secondary = append(secondary, string(a))
	}
	return CourtDTO{
		ID:                  c.ID,
		CenterID:            c.CenterID,
		Name:                c.Name,
		PrimaryActivity:     string(c.PrimaryActivity),
		CompatibleSecondary: secondary,
		HourlyRate:          c.HourlyRate.Amount.String(),
		Currency:            string(c.HourlyRate.Currency),
	}
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type CreateReservationRequest struct {
	UserID    string `json:"user_id"`
	CourtID   string `json:"court_id"`
	Activity  string `json:"activity,omitempty"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type ReservationDTO struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	CourtID       string  `json:"court_id"`
	CenterID      string  `json:"center_id,omitempty"`
	Activity      string  `json:"activity"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Status        string  `json:"status"`
	Price         string  `json:"price"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	PaidAt        *string `json:"paid_at,omitempty"`
	ExpiresAt     string  `json:"expires_at"`
	CreatedAt     string  `json:"created_at"`
}

func toReservationDTO(r booking.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ID:            r.ID,
		UserID:        r.UserID,
		CourtID:       r.CourtID,
		CenterID:      r.CenterID,
		Activity:      string(r.Activity),
		StartTime:     r.StartTime.Format(time.RFC3339),
		EndTime:       r.EndTime.Format(time.RFC3339),
		Status:        string(r.Status),
		Price:         r.Price.Amount.String(),
		Currency:      string(r.Price.Currency),
		PaymentMethod: string(r.PaymentMethod),
		ExpiresAt:     r.ExpiresAt.Format(time.RFC3339),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
	if r.PaidAt != nil {
		s := r.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

type PayRequest struct {
	Method           string `json:"method"`
	GatewayReference string `json:"gateway_reference,omitempty"`
}

type RefundRequest struct {
	RefundID string `json:"refund_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

type PriceOverrideRequest struct {
	Price  string `json:"price"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type NoteRequest struct {
	Author string `json:"author,omitempty"`
	Body   string `json:"body"`
}

type NoteDTO struct {
	ID        string `json:"id"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

func toNoteDTO(n booking.Note) NoteDTO {
	return NoteDTO{
		ID:        n.ID,
		Author:    n.Author,
		Body:      n.Body,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ORDERS
// =============================================================================

type CreateOrderRequest struct {
	UserID   string             `json:"user_id"`
	CenterID string             `json:"center_id,omitempty"`
	Items    []OrderItemRequest `json:"items"`
}

type OrderItemRequest struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Currency  string `json:"currency,omitempty"`
}

type OrderItemDTO struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type OrderDTO struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Items         []OrderItemDTO `json:"items"`
	Total         string         `json:"total"`
	Currency      string         `json:"currency"`
	Status        string         `json:"status"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	PaidAt        *string        `json:"paid_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

func toOrderDTO(o shop.Order) OrderDTO {
	dto := OrderDTO{
		ID:            o.ID,
		UserID:        o.UserID,
		Total:         o.Total.Amount.String(),
		Currency:      string(o.Total.Currency),
		Status:        string(o.Status),
		PaymentMethod: string(o.PaymentMethod),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	for _, item := range o.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Amount.String(),
		})
	}
	if o.PaidAt != nil {
		s := o.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type CreatePromotionRequest struct {
	Code       string `json:"code"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Reward     string `json:"reward"`
	MaxReward  string `json:"max_reward,omitempty"`
	Stackable  bool   `json:"stackable,omitempty"`
	StartsAt   string `json:"starts_at,omitempty"`
	EndsAt     string `json:"ends_at,omitempty"`
	UsageLimit int    `json:"usage_limit,omitempty"`
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
	HourFrom   int    `json:"hour_from,omitempty"`
	HourTo     int    `json:"hour_to,omitempty"`
	Active     *bool  `json:"active,omitempty"`
}

type PromotionDTO struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Reward     string `json:"reward"`
	MaxReward  string `json:"max_reward,omitempty"`
	UsageLimit int    `json:"usage_limit"`
	UsageCount int    `json:"usage_count"`
	Active     bool   `json:"active"`
}

func toPromotionDTO(p promo.Promotion) PromotionDTO {
	return PromotionDTO{
		ID:         p.ID,
		Code:       p.Code,
		Name:       p.Name,
		Type:       string(p.Type),
		Reward:     p.Reward.String(),
		MaxReward:  p.MaxReward.String(),
		UsageLimit: p.UsageLimit,
		UsageCount: p.UsageCount,
		Active:     p.Active,
	}
}

type PromoCheckRequest struct {
	Code     string `json:"code"`
	UserID   string `json:"user_id"`
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	// ReservationID is recorded on apply only.
	ReservationID string `json:"reservation_id,omitempty"`
}

type PromoResultDTO struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	Code           string `json:"code,omitempty"`
	Reward         string `json:"reward,omitempty"`
	OriginalAmount string `json:"original_amount"`
	FinalAmount    string `json:"final_amount"`
	Savings        string `json:"savings"`
}

func toPromoResultDTO(r promo.Result) PromoResultDTO {
	dto := PromoResultDTO{
		Valid:          r.Valid,
		Reason:         r.Reason,
		Reward:         r.Reward.String(),
		OriginalAmount: r.OriginalAmount.Amount.String(),
		FinalAmount:    r.FinalAmount.Amount.String(),
		Savings:        r.Savings.Amount.String(),
	}
	if r.Promotion != nil {
		dto.Code = r.Promotion.Code
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID               string       `json:"id"`
	SourceType       string       `json:"source_type"`
	SourceID         string       `json:"source_id"`
	Direction        string       `json:"direction"`
	Amount           string       `json:"amount"`
	Currency         string       `json:"currency"`
	Method           string       `json:"method,omitempty"`
	Status           string       `json:"status"`
	PaidAt           string       `json:"paid_at"`
	GatewayReference string       `json:"gateway_reference,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key"`
	CenterID         string       `json:"center_id,omitempty"`
	ReconciledBy     string       `json:"reconciled_by,omitempty"`
	Tax              *TaxDTO      `json:"tax,omitempty"`
	Meta             *ledger.Meta `json:"meta,omitempty"`
}

type TaxDTO struct {
	Net   string `json:"net"`
	Tax   string `json:"tax"`
	Gross string `json:"gross"`
	Rate  string `json:"rate"`
}

type LedgerPageDTO struct {
	Entries []LedgerEntryDTO `json:"entries"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
}

// =============================================================================
// OUTBOX
// =============================================================================

type OutboxEventDTO struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Payload     any     `json:"payload"`
	CreatedAt   string  `json:"created_at"`
	Processed   bool    `json:"processed"`
	ProcessedAt *string `json:"processed_at,omitempty"`
}

func toOutboxEventDTO(e outbox.Event) OutboxEventDTO {
	dto := OutboxEventDTO{
		ID:        e.ID,
		Type:      string(e.Type),
		Payload:   e.Data,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		Processed: e.Processed,
	}
	if p, err := outbox.Decode(e); err == nil {
		dto.Payload = p
	}
	if e.ProcessedAt != nil {
		s := e.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &s
	}
	return dto
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

// GatewayPaymentRequest is the normalized success callback. The gateway
// adapter translates its provider's webhook into this shape; the core
// never sees provider-specific signing or payloads.
type GatewayPaymentRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	// UserID and Amount are required for TOPUP callbacks only; other
	// sources already know their owner and price.
	UserID           string `json:"user_id,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Method           string `json:"method"`
	GatewayReference string `json:"gateway_reference,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
}

// GatewayRefundRequest is the normalized refund callback.
type GatewayRefundRequest struct {
	SourceID        string `json:"source_id"`
	Amount          string `json:"amount,omitempty"`
	RefundReference string `json:"refund_reference,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// =============================================================================
// JOBS
// =============================================================================

type SweepResultDTO struct {
	Cleaned        int    `json:"cleaned"`
	Scanned        int    `json:"scanned"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	Timestamp      string `json:"timestamp"`
}
