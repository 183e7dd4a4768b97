// Package store owns every piece of persisted gateway state: issued
// macaroon records, settled payments, pending invoices and rate-limit
// counters.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// MacaroonRecord is the server-side half of an issued macaroon. CurrentUses
// moves forward one authorized request at a time and Revoked is one-way.
type MacaroonRecord struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Scope       []string  `json:"scope"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	MaxUses     int64     `json:"maxUses"`
	CurrentUses int64     `json:"currentUses"`
	PaymentHash string    `json:"paymentHash"`
	Revoked     bool      `json:"revoked"`
	// SettledProofHash is set when the invoice was settled with a proof
	// whose digest differs from the invoice payment hash (cashu); replays
	// then present the proof matching this digest instead of a preimage.
	SettledProofHash string `json:"settledProofHash,omitempty"`
}

// PaymentRecord is written exactly once, at settlement, and never mutated.
type PaymentRecord struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Method      string    `json:"method"`
	PaymentHash string    `json:"paymentHash"`
	AmountSat   int64     `json:"amountSat"`
	CreatedAt   time.Time `json:"createdAt"`
	MacaroonId  string    `json:"macaroonId"`
	Scope       []string  `json:"scope"`
}

// PendingInvoice is the not-yet-paid half of a challenge. It keeps the
// minted macaroon around so settlement never has to re-derive it.
type PendingInvoice struct {
	PaymentHash string    `json:"paymentHash"`
	MacaroonId  string    `json:"macaroonId"`
	Macaroon    string    `json:"macaroon"`
	Identity    string    `json:"identity"`
	Scope       []string  `json:"scope"`
	AmountSat   int64     `json:"amountSat"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RateLimitResult is derived from the stored sliding window, never stored
// itself.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Store is the persistence contract shared by every gateway instance on the
// same root secret. Implementations return copies, never aliases of their
// internal state.
type Store interface {
	SaveMacaroon(ctx context.Context, record *MacaroonRecord) error
	GetMacaroon(ctx context.Context, id string) (*MacaroonRecord, error)
	RevokeMacaroon(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string) error
	// IncrementUsageIfBelow increments the usage counter only while it is
	// below maxUses, atomically, and reports whether the increment landed.
	// maxUses <= 0 means unlimited. Callers gating a request on the
	// counter must use this instead of read-then-IncrementUsage.
	IncrementUsageIfBelow(ctx context.Context, id string, maxUses int64) (bool, error)

	SavePayment(ctx context.Context, record *PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	GetPaymentsByIdentity(ctx context.Context, identity string) ([]*PaymentRecord, error)

	SavePendingInvoice(ctx context.Context, invoice *PendingInvoice) error
	GetPendingInvoice(ctx context.Context, paymentHash string) (*PendingInvoice, error)
	DeletePendingInvoice(ctx context.Context, paymentHash string) error

	CheckLimit(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error)
	RecordRequest(ctx context.Context, identity string, window time.Duration) error
	// CheckAndRecord runs prune, count and add as one atomic unit. Callers
	// must use it instead of CheckLimit+RecordRequest whenever the outcome
	// gates a request, or two concurrent requests can both slip past the
	// limit boundary.
	CheckAndRecord(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error)
}
