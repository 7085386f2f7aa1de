package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-process ledger for tests and single-node dev runs.
// Transfers settle immediately. FailNext makes the next N sends fail, which
// tests use to exercise the retry path.
type MemoryLedger struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	byTag     map[string]string
	seq       int
	failNext  int
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		transfers: make(map[string]*Transfer),
		byTag:     make(map[string]string),
	}
}

// Seed records an inbound transfer, e.g. an escrow deposit under test.
func (m *MemoryLedger) Seed(t Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.transfers[t.Ref] = &cp
	if t.Tag != "" {
		m.byTag[t.Tag] = t.Ref
	}
}

// FailNext makes the next n Transfer calls return an error.
func (m *MemoryLedger) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// Lookup returns a transfer by reference.
func (m *MemoryLedger) Lookup(_ context.Context, ref string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// FindByTag returns the transfer tagged with tag, if any.
func (m *MemoryLedger) FindByTag(_ context.Context, tag string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.byTag[tag]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.transfers[ref]
	return &cp, nil
}

// Transfer settles a send immediately and returns its reference.
func (m *MemoryLedger) Transfer(_ context.Context, to string, amount int64, tag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return "", fmt.Errorf("transfer network unavailable")
	}
	if amount <= 0 {
		return "", fmt.Errorf("invalid amount: %d", amount)
	}
	m.seq++
	ref := fmt.Sprintf("memtx-%06d", m.seq)
	m.transfers[ref] = &Transfer{
		Ref:       ref,
		Sender:    "collection-wallet",
		Recipient: to,
		Amount:    amount,
		Tag:       tag,
		BlockTime: time.Now().UTC(),
	}
	if tag != "" {
		m.byTag[tag] = ref
	}
	return ref, nil
}

// TransferCount reports how many outbound sends settled, for assertions.
func (m *MemoryLedger) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.transfers {
		if t.Sender == "collection-wallet" {
			n++
		}
	}
	return n
}
