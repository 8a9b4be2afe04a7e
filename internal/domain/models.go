package domain

import (
	"math"
	"strings"
	"time"
)

const (
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

// Charge rates applied when an older stored record carries none.
const (
	DefaultBardhanRate = 28.0
	DefaultKantaRate   = 7.5
)

// Entry is one weighed lot inside a trade record. The json keys match the
// payload shape stored inside session JSONB columns since the first release,
// so they must not change.
type Entry struct {
	ID               string  `json:"id"`
	Bags             int     `json:"bags"`
	Weight           float64 `json:"weight"`
	WeightInQuintals float64 `json:"weightInQuintals"`
	RatePerQuintal   float64 `json:"ratePerQuintal"`
	TotalAmount      float64 `json:"totalAmount"`
}

// TradeRecord is a finalized purchase or sale. Whether it is a purchase or a
// sale is determined by which session list holds it; sale records
// additionally carry kanta fields and an optional sourceSeller reference to
// the purchase-side trader the stock came from (matched by name, not id).
type TradeRecord struct {
	ID                    string  `json:"id"`
	Date                  string  `json:"date"`
	TraderName            string  `json:"traderName"`
	SourceSeller          string  `json:"sourceSeller,omitempty"`
	Entries               []Entry `json:"entries"`
	TotalBags             int     `json:"totalBags"`
	TotalWeightInQuintals float64 `json:"totalWeightInQuintals"`
	TotalAmount           float64 `json:"totalAmount"`
	AmountPaid            float64 `json:"amountPaid"`
	AmountReceived        float64 `json:"amountReceived"`
	BardhanRate           float64 `json:"bardhanRate"`
	BardhanAmount         float64 `json:"bardhanAmount"`
	KantaRate             float64 `json:"kantaRate,omitempty"`
	KantaAmount           float64 `json:"kantaAmount,omitempty"`
}

// Settled returns the payment already made against this record: amount paid
// to the seller for purchases, amount received from the buyer for sales.
func (r TradeRecord) Settled(role string) float64 {
	if role == RoleBuyer {
		return r.AmountReceived
	}
	return r.AmountPaid
}

// Pending is always derived, never stored. Overpaid records yield a negative
// value; callers must tolerate that.
func (r TradeRecord) Pending(role string) float64 {
	return Round2(r.TotalAmount - r.Settled(role))
}

func (r *TradeRecord) SetSettled(role string, amount float64) {
	if role == RoleBuyer {
		r.AmountReceived = Round2(amount)
		return
	}
	r.AmountPaid = Round2(amount)
}

// TradeSession is one persisted batch of purchases and sales. The session
// totals are a denormalized cache and must be recomputed whenever either
// record list changes.
type TradeSession struct {
	ID                  string        `json:"id"`
	OwnerID             string        `json:"owner_id"`
	SessionName         string        `json:"session_name"`
	CreatedAt           time.Time     `json:"created_at"`
	TotalPurchaseAmount float64       `json:"total_purchase_amount"`
	TotalSaleAmount     float64       `json:"total_sale_amount"`
	NetProfit           float64       `json:"net_profit"`
	Purchases           []TradeRecord `json:"purchases"`
	Sales               []TradeRecord `json:"sales"`
}

// RecomputeTotals rewrites the cached session aggregates from the record
// lists.
func (s *TradeSession) RecomputeTotals() {
	purchase := 0.0
	for _, r := range s.Purchases {
		purchase += r.TotalAmount
	}
	sale := 0.0
	for _, r := range s.Sales {
		sale += r.TotalAmount
	}
	s.TotalPurchaseAmount = Round2(purchase)
	s.TotalSaleAmount = Round2(sale)
	s.NetProfit = Round2(sale - purchase)
}

// ApplyLegacyDefaults fills fields that older stored sessions predate:
// missing dates become today, missing settlement amounts stay zero, and
// zero charge rates fall back to the fixed defaults.
func (s *TradeSession) ApplyLegacyDefaults(now time.Time) {
	today := now.Format("2006-01-02")
	for i := range s.Purchases {
		applyRecordDefaults(&s.Purchases[i], false, today)
	}
	for i := range s.Sales {
		applyRecordDefaults(&s.Sales[i], true, today)
	}
}

func applyRecordDefaults(r *TradeRecord, sale bool, today string) {
	if strings.TrimSpace(r.Date) == "" {
		r.Date = today
	}
	if r.BardhanRate == 0 {
		r.BardhanRate = DefaultBardhanRate
	}
	if sale && r.KantaRate == 0 {
		r.KantaRate = DefaultKantaRate
	}
}

// NormalizeName is the canonical trader identity key. Two names that differ
// only in case or surrounding whitespace refer to the same trader.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// TraderBalance is the cross-session position of one trader, recomputed on
// every aggregation pass and never persisted.
type TraderBalance struct {
	Name        string   `json:"name"`
	TotalBags   int      `json:"total_bags"`
	TotalAmount float64  `json:"total_amount"`
	Settled     float64  `json:"settled"`
	Pending     float64  `json:"pending"`
	SoldTo      []string `json:"sold_to,omitempty"`
	BoughtFrom  []string `json:"bought_from,omitempty"`
}

// GlobalStats is the aggregation over every stored session of one owner.
type GlobalStats struct {
	TotalPurchaseAmount float64                  `json:"total_purchase_amount"`
	TotalSaleAmount     float64                  `json:"total_sale_amount"`
	NetProfit           float64                  `json:"net_profit"`
	BagsPurchased       int                      `json:"bags_purchased"`
	BagsSold            int                      `json:"bags_sold"`
	BagsRemaining       int                      `json:"bags_remaining"`
	TotalPaid           float64                  `json:"total_paid"`
	TotalReceived       float64                  `json:"total_received"`
	PendingPayable      float64                  `json:"pending_payable"`
	PendingReceivable   float64                  `json:"pending_receivable"`
	Sellers             map[string]TraderBalance `json:"sellers"`
	Buyers              map[string]TraderBalance `json:"buyers"`
}

type EntryInput struct {
	Bags           int     `json:"bags"`
	Weight         float64 `json:"weight"`
	RatePerQuintal float64 `json:"rate_per_quintal"`
}

type AssembleRequest struct {
	Role         string       `json:"role"`
	TraderName   string       `json:"trader_name"`
	Date         string       `json:"date"`
	SourceSeller string       `json:"source_seller,omitempty"`
	Entries      []EntryInput `json:"entries"`
	BardhanRate  float64      `json:"bardhan_rate"`
	KantaRate    float64      `json:"kanta_rate"`
	Settled      float64      `json:"settled"`
}

type SaveSessionRequest struct {
	ID          string        `json:"id,omitempty"`
	SessionName string        `json:"session_name"`
	Purchases   []TradeRecord `json:"purchases"`
	Sales       []TradeRecord `json:"sales"`
}

type SessionListResponse struct {
	Sessions []TradeSession `json:"sessions"`
}

type TraderPaymentRequest struct {
	TraderName string  `json:"trader_name"`
	Role       string  `json:"role"`
	Amount     float64 `json:"amount"`
}

type TraderPaymentResponse struct {
	SessionsModified int `json:"sessions_modified"`
}

type RecordPaymentRequest struct {
	SessionID string  `json:"session_id"`
	RecordID  string  `json:"record_id"`
	Role      string  `json:"role"`
	Amount    float64 `json:"amount"`
}

type TraderRenameRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
	Role    string `json:"role"`
}

type TraderRenameResponse struct {
	SessionsModified int `json:"sessions_modified"`
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

type Actor struct {
	UserID string
	Email  string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID          string
	Email       string
	DisplayName string
	Password    string
	Active      bool
	CreatedAt   time.Time
}
