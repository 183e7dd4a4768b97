package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process implementation, intended for tests and
// single-instance deployments. Every process or test builds its own with
// NewMemoryStore; there is no shared package-level instance.
type MemoryStore struct {
	mu        sync.Mutex
	macaroons map[string]*MacaroonRecord
	payments  map[string]*PaymentRecord
	pending   map[string]*PendingInvoice
	requests  map[string][]time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		macaroons: make(map[string]*MacaroonRecord),
		payments:  make(map[string]*PaymentRecord),
		pending:   make(map[string]*PendingInvoice),
		requests:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

func copyMacaroonRecord(record *MacaroonRecord) *MacaroonRecord {
	copied := *record
	copied.Scope = append([]string(nil), record.Scope...)
	return &copied
}

func copyPaymentRecord(record *PaymentRecord) *PaymentRecord {
	copied := *record
	copied.Scope = append([]string(nil), record.Scope...)
	return &copied
}

func copyPendingInvoice(invoice *PendingInvoice) *PendingInvoice {
	copied := *invoice
	copied.Scope = append([]string(nil), invoice.Scope...)
	return &copied
}

func (s *MemoryStore) SaveMacaroon(ctx context.Context, record *MacaroonRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macaroons[record.ID] = copyMacaroonRecord(record)
	return nil
}

func (s *MemoryStore) GetMacaroon(ctx context.Context, id string) (*MacaroonRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.macaroons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMacaroonRecord(record), nil
}

func (s *MemoryStore) RevokeMacaroon(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.macaroons[id]
	if !ok {
		return ErrNotFound
	}
	record.Revoked = true
	return nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.macaroons[id]
	if !ok {
		return ErrNotFound
	}
	record.CurrentUses++
	return nil
}

func (s *MemoryStore) IncrementUsageIfBelow(ctx context.Context, id string, maxUses int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.macaroons[id]
	if !ok {
		return false, ErrNotFound
	}
	if maxUses > 0 && record.CurrentUses >= maxUses {
		return false, nil
	}
	record.CurrentUses++
	return true, nil
}

func (s *MemoryStore) SavePayment(ctx context.Context, record *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[record.ID] = copyPaymentRecord(record)
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPaymentRecord(record), nil
}

func (s *MemoryStore) GetPaymentsByIdentity(ctx context.Context, identity string) ([]*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []*PaymentRecord{}
	for _, record := range s.payments {
		if record.Identity == identity {
			records = append(records, copyPaymentRecord(record))
		}
	}
	return records, nil
}

func (s *MemoryStore) SavePendingInvoice(ctx context.Context, invoice *PendingInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[invoice.PaymentHash] = copyPendingInvoice(invoice)
	return nil
}

func (s *MemoryStore) GetPendingInvoice(ctx context.Context, paymentHash string) (*PendingInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.pending[paymentHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPendingInvoice(invoice), nil
}

func (s *MemoryStore) DeletePendingInvoice(ctx context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, paymentHash)
	return nil
}

// prune drops timestamps that fell out of the window. Callers hold the lock.
func (s *MemoryStore) prune(identity string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := s.requests[identity][:0]
	for _, ts := range s.requests[identity] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.requests[identity] = kept
	return kept
}

func limitResult(kept []time.Time, now time.Time, maxRequests int64, window time.Duration) *RateLimitResult {
	count := int64(len(kept))
	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(window)
	if len(kept) > 0 {
		resetAt = kept[0].Add(window)
	}
	return &RateLimitResult{
		Allowed:   count < maxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (s *MemoryStore) CheckLimit(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	return limitResult(s.prune(identity, now, window), now, maxRequests, window), nil
}

func (s *MemoryStore) RecordRequest(ctx context.Context, identity string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.prune(identity, now, window)
	s.requests[identity] = append(s.requests[identity], now)
	return nil
}

func (s *MemoryStore) CheckAndRecord(ctx context.Context, identity string, maxRequests int64, window time.Duration) (*RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.prune(identity, now, window)
	result := limitResult(kept, now, maxRequests, window)
	if result.Allowed {
		s.requests[identity] = append(kept, now)
		result.Remaining--
		if result.Remaining < 0 {
			result.Remaining = 0
		}
	}
	return result, nil
}
