// Package middleware implements the L402 state machine: challenge issuance,
// credential verification, settlement and the admin operations. Framework
// shells (ginl402, echol402) stay thin around it.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/archetech/archon-l402/caveat"
	"github.com/archetech/archon-l402/cashu"
	"github.com/archetech/archon-l402/l402"
	"github.com/archetech/archon-l402/ln"
	"github.com/archetech/archon-l402/logger"
	macaroonutils "github.com/archetech/archon-l402/macaroon"
	"github.com/archetech/archon-l402/pricing"
	"github.com/archetech/archon-l402/store"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnrpc"
	"go.uber.org/zap"
)

type L402Middleware struct {
	RootKey  []byte
	Location string

	Store             store.Store
	LNClient          ln.LNClient
	LightningVerifier *ln.Verifier
	// CashuVerifier is nil when ecash settlement is disabled.
	CashuVerifier *cashu.Verifier

	Resolver *pricing.Resolver
	Pricing  *pricing.Pricing

	DefaultScopes  []string
	DefaultMaxUses int64
	DefaultExpiry  time.Duration

	RateLimitMax    int64
	RateLimitWindow time.Duration

	InvoiceMemo string
}

func New(mw *L402Middleware) (*L402Middleware, error) {
	if len(mw.RootKey) == 0 {
		return nil, fmt.Errorf("root key is required")
	}
	if mw.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if mw.LNClient == nil {
		return nil, fmt.Errorf("LN client is required")
	}
	if mw.Location == "" {
		mw.Location = "L402"
	}
	if mw.Resolver == nil {
		mw.Resolver = pricing.NewResolver(pricing.DefaultRoutes())
	}
	if mw.Pricing == nil {
		mw.Pricing = pricing.NewPricing(0, nil, nil, "")
	}
	if mw.LightningVerifier == nil {
		mw.LightningVerifier = ln.NewVerifier(mw.LNClient)
	}
	if mw.DefaultMaxUses <= 0 {
		mw.DefaultMaxUses = 1
	}
	if mw.DefaultExpiry <= 0 {
		mw.DefaultExpiry = time.Hour
	}
	if mw.RateLimitMax <= 0 {
		mw.RateLimitMax = 60
	}
	if mw.RateLimitWindow <= 0 {
		mw.RateLimitWindow = time.Minute
	}
	if mw.InvoiceMemo == "" {
		mw.InvoiceMemo = "L402"
	}
	return mw, nil
}

// RateLimitedError carries the window reset so shells can surface it on 429
// responses. errors.Is(err, l402.ErrRateLimitExceeded) matches it.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error {
	return l402.ErrRateLimitExceeded
}

// AuthResult is what a successfully authorized request learns about its
// credential.
type AuthResult struct {
	MacaroonId string
	Identity   string
	Operation  string
}

// ResolveOperation maps a route to its operation and price. priced=false
// means the route is outside the toll booth.
func (mw *L402Middleware) ResolveOperation(method string, path string) (string, int64, bool) {
	operation := mw.Resolver.RouteToScope(method, path)
	price, priced := mw.Pricing.Price(operation)
	return operation, price, priced
}

// Challenge rate-limits the caller, creates a Lightning invoice for the
// operation's price, mints a macaroon bound to it and persists both halves.
func (mw *L402Middleware) Challenge(ctx context.Context, identity string, operation string, price int64, clientIP string) (*l402.Challenge, error) {
	limit, err := mw.Store.CheckAndRecord(ctx, "challenge:"+clientIP, mw.RateLimitMax, mw.RateLimitWindow)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return nil, &RateLimitedError{ResetAt: limit.ResetAt}
	}

	lnClientConn := &ln.LNClientConn{LNClient: mw.LNClient}
	invoice, paymentHash, err := lnClientConn.GenerateInvoice(ctx, lnrpc.Invoice{
		Value: price,
		Memo:  fmt.Sprintf("%s %s", mw.InvoiceMemo, operation),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", l402.ErrPaymentBackendUnavailable, err.Error())
	}

	now := time.Now()
	expiresAt := now.Add(mw.DefaultExpiry)
	scope := mw.challengeScope(operation)
	maxUses := mw.DefaultMaxUses
	if len(scope) == 1 {
		maxUses = 1
	}

	token, err := macaroonutils.Create(mw.RootKey, mw.Location, caveat.CaveatSet{
		Identity:    identity,
		Scope:       scope,
		Expiry:      expiresAt.Unix(),
		MaxUses:     maxUses,
		PaymentHash: paymentHash.String(),
	})
	if err != nil {
		return nil, err
	}

	record := &store.MacaroonRecord{
		ID:          token.ID,
		Identity:    identity,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		MaxUses:     maxUses,
		PaymentHash: paymentHash.String(),
	}
	if err := mw.Store.SaveMacaroon(ctx, record); err != nil {
		return nil, err
	}
	if err := mw.Store.SavePendingInvoice(ctx, &store.PendingInvoice{
		PaymentHash: paymentHash.String(),
		MacaroonId:  token.ID,
		Macaroon:    token.Macaroon,
		Identity:    identity,
		Scope:       scope,
		AmountSat:   price,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	logger.Info("issued L402 challenge",
		zap.String("macaroonId", token.ID),
		zap.String("operation", operation),
		zap.Int64("amountSat", price))

	return &l402.Challenge{
		Error:           l402.PAYMENT_REQUIRED_MESSAGE,
		Macaroon:        token.Macaroon,
		Invoice:         invoice,
		PaymentHash:     paymentHash.String(),
		AmountSat:       price,
		ExpiresAt:       expiresAt.Unix(),
		Operation:       operation,
		AcceptedMethods: mw.acceptedMethods(),
	}, nil
}

func (mw *L402Middleware) challengeScope(operation string) []string {
	if len(mw.DefaultScopes) == 0 {
		return []string{operation}
	}
	for _, scope := range mw.DefaultScopes {
		if scope == operation {
			return append([]string(nil), mw.DefaultScopes...)
		}
	}
	return append(append([]string(nil), mw.DefaultScopes...), operation)
}

func (mw *L402Middleware) acceptedMethods() []string {
	methods := []string{l402.METHOD_LIGHTNING}
	if mw.CashuVerifier != nil {
		methods = append(methods, l402.METHOD_CASHU)
	}
	return methods
}

// Authorize runs the verification path over a presented credential: record
// lookup, revocation, payment proof, HMAC chain plus live caveats, scope,
// rate limit and finally the usage increment.
func (mw *L402Middleware) Authorize(ctx context.Context, macaroonString string, proof string, identity string, operation string, clientIP string) (*AuthResult, error) {
	id, err := macaroonutils.GetId(macaroonString)
	if err != nil {
		return nil, err
	}

	record, err := mw.Store.GetMacaroon(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown credential", macaroonutils.ErrInvalidCredential)
	}
	if err != nil {
		return nil, err
	}
	if record.Revoked {
		return nil, l402.ErrCredentialRevoked
	}

	now := time.Now()
	if now.After(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: credential expired", macaroonutils.ErrInvalidCredential)
	}

	if !mw.proofMatches(proof, record) {
		return nil, fmt.Errorf("%w: proof does not match payment hash", l402.ErrPaymentVerification)
	}

	// Scope gets its own status so callers can tell "wrong operation"
	// from "bad credential". The extracted set is unverified here; the
	// signed caveats are still enforced below.
	set, err := macaroonutils.ExtractCaveats(macaroonString)
	if err != nil {
		return nil, err
	}
	if set.Scope != nil && !containsScope(set.Scope, operation) {
		return nil, fmt.Errorf("%w: %s", l402.ErrInsufficientScope, operation)
	}

	if identity == "" {
		identity = record.Identity
	}
	result, err := macaroonutils.Verify(mw.RootKey, macaroonString, &caveat.Context{
		Identity:    identity,
		Scope:       operation,
		Now:         now,
		CurrentUses: record.CurrentUses,
		PaymentHash: record.PaymentHash,
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, fmt.Errorf("%w: credential failed verification", macaroonutils.ErrInvalidCredential)
	}

	limitKey := record.Identity
	if limitKey == "" {
		limitKey = "ip:" + clientIP
	}
	limit, err := mw.Store.CheckAndRecord(ctx, limitKey, mw.RateLimitMax, mw.RateLimitWindow)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return nil, &RateLimitedError{ResetAt: limit.ResetAt}
	}

	// The counter gate has to be a compare-and-increment: two replays of
	// the same credential racing past the signed maxUses caveat would
	// otherwise both read the old count and both be admitted.
	admitted, err := mw.Store.IncrementUsageIfBelow(ctx, id, record.MaxUses)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, fmt.Errorf("%w: credential uses exhausted", macaroonutils.ErrInvalidCredential)
	}

	return &AuthResult{
		MacaroonId: id,
		Identity:   record.Identity,
		Operation:  operation,
	}, nil
}

// proofMatches accepts a Lightning preimage for the bound invoice, or, for
// credentials settled with ecash, the exact token whose digest was recorded
// at settlement.
func (mw *L402Middleware) proofMatches(proof string, record *store.MacaroonRecord) bool {
	if l402.VerifyPreimage(proof, record.PaymentHash) {
		return true
	}
	if record.SettledProofHash == "" {
		return false
	}
	digest := cashu.PaymentHashOf(proof)
	if len(digest) != len(record.SettledProofHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(record.SettledProofHash)) == 1
}

func containsScope(scope []string, operation string) bool {
	for _, s := range scope {
		if s == operation {
			return true
		}
	}
	return false
}

// Settle completes a pending challenge: it verifies the presented proof,
// appends the payment record, drops the pending invoice and hands the
// macaroon back for replay.
func (mw *L402Middleware) Settle(ctx context.Context, req *l402.SettleRequest) (*l402.SettleResponse, error) {
	pending, err := mw.Store.GetPendingInvoice(ctx, req.PaymentHash)
	if err != nil {
		return nil, err
	}
	if time.Now().After(pending.ExpiresAt) {
		_ = mw.Store.DeletePendingInvoice(ctx, req.PaymentHash)
		return nil, fmt.Errorf("%w: pending invoice expired", l402.ErrInvoiceExpired)
	}

	var result *l402.PaymentResult
	switch {
	case req.Preimage != "":
		if !l402.IsHex(req.Preimage) {
			return nil, fmt.Errorf("%w: preimage is not hex", l402.ErrPaymentVerification)
		}
		result, err = mw.LightningVerifier.Verify(ctx, req.Preimage, pending.PaymentHash)
	case req.CashuToken != "" && mw.CashuVerifier != nil:
		result, err = mw.CashuVerifier.Verify(ctx, req.CashuToken, pending.AmountSat)
	default:
		return nil, fmt.Errorf("%w: a preimage or cashu token is required", l402.ErrPaymentVerification)
	}
	if err != nil {
		return nil, err
	}

	// Ecash proofs do not hash to the invoice payment hash, so remember
	// the settled proof digest on the record for replay verification.
	if result.Method == l402.METHOD_CASHU {
		record, err := mw.Store.GetMacaroon(ctx, pending.MacaroonId)
		if err != nil {
			return nil, err
		}
		record.SettledProofHash = result.PaymentHash
		if err := mw.Store.SaveMacaroon(ctx, record); err != nil {
			return nil, err
		}
	}

	if err := mw.Store.SavePayment(ctx, &store.PaymentRecord{
		ID:          uuid.NewString(),
		Identity:    pending.Identity,
		Method:      result.Method,
		PaymentHash: result.PaymentHash,
		AmountSat:   pending.AmountSat,
		CreatedAt:   time.Now(),
		MacaroonId:  pending.MacaroonId,
		Scope:       pending.Scope,
	}); err != nil {
		return nil, err
	}
	if err := mw.Store.DeletePendingInvoice(ctx, req.PaymentHash); err != nil {
		return nil, err
	}

	logger.Info("settled L402 payment",
		zap.String("macaroonId", pending.MacaroonId),
		zap.String("method", result.Method),
		zap.Int64("amountSat", pending.AmountSat))

	return &l402.SettleResponse{
		MacaroonId:  pending.MacaroonId,
		Macaroon:    pending.Macaroon,
		PaymentHash: pending.PaymentHash,
		Method:      result.Method,
		AmountSat:   pending.AmountSat,
	}, nil
}

// Revoke permanently invalidates a credential. Revoking twice is a no-op;
// revoking the unknown reports store.ErrNotFound.
func (mw *L402Middleware) Revoke(ctx context.Context, macaroonId string) error {
	if err := mw.Store.RevokeMacaroon(ctx, macaroonId); err != nil {
		return err
	}
	logger.Info("revoked credential", zap.String("macaroonId", macaroonId))
	return nil
}

// PricedOperation is one line of the status report.
type PricedOperation struct {
	Operation string `json:"operation"`
	PriceSat  int64  `json:"priceSat"`
}

// Status describes the protocol capabilities and the priced surface.
type Status struct {
	Enabled         bool              `json:"enabled"`
	Lightning       bool              `json:"lightning"`
	AcceptedMethods []string          `json:"acceptedMethods"`
	Pricing         []PricedOperation `json:"pricing"`
}

func (mw *L402Middleware) Status() *Status {
	priced := []PricedOperation{}
	for operation, price := range mw.Pricing.Operations {
		priced = append(priced, PricedOperation{Operation: operation, PriceSat: price})
	}
	return &Status{
		Enabled:         true,
		Lightning:       true,
		AcceptedMethods: mw.acceptedMethods(),
		Pricing:         priced,
	}
}

func (mw *L402Middleware) PaymentHistory(ctx context.Context, identity string) ([]*store.PaymentRecord, error) {
	return mw.Store.GetPaymentsByIdentity(ctx, identity)
}
