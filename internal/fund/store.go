package fund

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists funds, invoices, contributions and payouts.
type Store interface {
	// GetOrCreateFund returns the fund of an itinerary, inserting one with
	// target when none exists. created reports whether this call inserted it.
	GetOrCreateFund(ctx context.Context, itineraryID string, target int64) (f *Fund, created bool, err error)
	GetFundByItinerary(ctx context.Context, itineraryID string) (*Fund, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, fundID string, limit, offset int) ([]*Invoice, int64, error)

	CreateContribution(ctx context.Context, c *Contribution) error
	GetContributionByTxnRef(ctx context.Context, txnRef string) (*Contribution, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Contribution, error)

	// WithFundLock runs fn with the fund row locked. Every balance mutation
	// and the status transitions it triggers happen inside fn. Nothing is
	// persisted when fn returns an error.
	WithFundLock(ctx context.Context, fundID string, fn func(tx Tx) error) error
}

// Tx is the view of the store inside a fund lock.
type Tx interface {
	// Fund is the locked fund. Mutate it and call SaveFund.
	Fund() *Fund
	SaveFund(ctx context.Context) error

	Contribution(ctx context.Context, txnRef string) (*Contribution, error)
	UpdateContribution(ctx context.Context, c *Contribution) error

	Invoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	// CreatePayout fails with ErrAlreadySettled when the invoice already
	// has a payout.
	CreatePayout(ctx context.Context, p *Payout) error
}

// MemoryStore is an in-process Store. A mutex per fund serializes ledger
// mutations the way a row lock does.
type MemoryStore struct {
	mu            sync.RWMutex
	funds         map[string]*Fund
	byItinerary   map[string]string
	invoices      map[string]*Invoice
	contributions map[string]*Contribution
	payouts       map[string]*Payout // by invoice ID

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funds:         make(map[string]*Fund),
		byItinerary:   make(map[string]string),
		invoices:      make(map[string]*Invoice),
		contributions: make(map[string]*Contribution),
		payouts:       make(map[string]*Payout),
		locks:         make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) GetOrCreateFund(_ context.Context, itineraryID string, target int64) (*Fund, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byItinerary[itineraryID]; ok {
		f := *s.funds[id]
		return &f, false, nil
	}
	f, err := NewFund(itineraryID, target)
	if err != nil {
		return nil, false, err
	}
	stored := *f
	s.funds[f.ID] = &stored
	s.byItinerary[itineraryID] = f.ID
	return f, true, nil
}

func (s *MemoryStore) GetFundByItinerary(_ context.Context, itineraryID string) (*Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byItinerary[itineraryID]
	if !ok {
		return nil, fmt.Errorf("fund for itinerary %s: %w", itineraryID, ErrNotFound)
	}
	f := *s.funds[id]
	return &f, nil
}

func (s *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funds[inv.FundID]; !ok {
		return fmt.Errorf("fund %s: %w", inv.FundID, ErrNotFound)
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) ListInvoices(_ context.Context, fundID string, limit, offset int) ([]*Invoice, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Invoice
	for _, inv := range s.invoices {
		if inv.FundID == fundID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *MemoryStore) CreateContribution(_ context.Context, c *Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contributions[c.TxnRef]; ok {
		return fmt.Errorf("contribution %s: duplicate transaction reference", c.TxnRef)
	}
	if _, ok := s.funds[c.FundID]; !ok {
		return fmt.Errorf("fund %s: %w", c.FundID, ErrNotFound)
	}
	cp := *c
	s.contributions[c.TxnRef] = &cp
	return nil
}

func (s *MemoryStore) GetContributionByTxnRef(_ context.Context, txnRef string) (*Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contributions[txnRef]
	if !ok {
		return nil, fmt.Errorf("contribution %s: %w", txnRef, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]*Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contribution
	for _, c := range s.contributions {
		if c.Status == ContributionPending && c.CreatedAt.Before(olderThan) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Payout returns the payout recorded for an invoice. Used by tests.
func (s *MemoryStore) Payout(invoiceID string) (*Payout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[invoiceID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PayoutCount returns the number of payouts. Used by tests.
func (s *MemoryStore) PayoutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payouts)
}

func (s *MemoryStore) fundLock(fundID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[fundID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fundID] = l
	}
	return l
}

func (s *MemoryStore) WithFundLock(ctx context.Context, fundID string, fn func(tx Tx) error) error {
	lock := s.fundLock(fundID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	f, ok := s.funds[fundID]
	var fund Fund
	if ok {
		fund = *f
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fund %s: %w", fundID, ErrNotFound)
	}

	tx := &memoryTx{
		store:         s,
		fund:          &fund,
		contributions: make(map[string]*Contribution),
		invoices:      make(map[string]*Invoice),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx stages writes and applies them together on commit.
type memoryTx struct {
	store         *MemoryStore
	fund          *Fund
	fundDirty     bool
	contributions map[string]*Contribution
	invoices      map[string]*Invoice
	payouts       []*Payout
}

func (t *memoryTx) Fund() *Fund { return t.fund }

func (t *memoryTx) SaveFund(context.Context) error {
	if err := t.fund.Check(); err != nil {
		return err
	}
	t.fundDirty = true
	return nil
}

func (t *memoryTx) Contribution(ctx context.Context, txnRef string) (*Contribution, error) {
	if c, ok := t.contributions[txnRef]; ok {
		return c, nil
	}
	c, err := t.store.GetContributionByTxnRef(ctx, txnRef)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *memoryTx) UpdateContribution(_ context.Context, c *Contribution) error {
	cp := *c
	t.contributions[c.TxnRef] = &cp
	return nil
}

func (t *memoryTx) Invoice(ctx context.Context, id string) (*Invoice, error) {
	if inv, ok := t.invoices[id]; ok {
		cp := *inv
		return &cp, nil
	}
	return t.store.GetInvoice(ctx, id)
}

func (t *memoryTx) UpdateInvoice(_ context.Context, inv *Invoice) error {
	cp := *inv
	t.invoices[inv.ID] = &cp
	return nil
}

func (t *memoryTx) CreatePayout(_ context.Context, p *Payout) error {
	t.store.mu.RLock()
	_, exists := t.store.payouts[p.InvoiceID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: invoice %s already has a payout", ErrAlreadySettled, p.InvoiceID)
	}
	for _, staged := range t.payouts {
		if staged.InvoiceID == p.InvoiceID {
			return fmt.Errorf("%w: invoice %s already has a payout", ErrAlreadySettled, p.InvoiceID)
		}
	}
	cp := *p
	t.payouts = append(t.payouts, &cp)
	return nil
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range t.payouts {
		if _, exists := s.payouts[p.InvoiceID]; exists {
			return fmt.Errorf("%w: invoice %s already has a payout", ErrAlreadySettled, p.InvoiceID)
		}
	}
	if t.fundDirty {
		f := *t.fund
		s.funds[f.ID] = &f
	}
	for ref, c := range t.contributions {
		s.contributions[ref] = c
	}
	for id, inv := range t.invoices {
		s.invoices[id] = inv
	}
	for _, p := range t.payouts {
		s.payouts[p.InvoiceID] = p
	}
	return nil
}
