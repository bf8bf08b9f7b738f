package promo

import (
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// Characters used for generated codes; ambiguous glyphs (0/O, 1/I) left out.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Code is a provisioned promo code. UsesRemaining nil means unlimited.
type Code struct {
	Code          string     `json:"code"`
	UsesRemaining *int       `json:"usesRemaining,omitempty"`
	MaxUses       *int       `json:"maxUses,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Store is the lookup/decrement contract the payment ledger consumes.
// Decrementing happens only inside the ledger's claim, never during
// advisory validation.
type Store interface {
	Lookup(code string) (*Code, bool)
	DecrementUse(code string) bool
}

// MemoryStore keeps provisioned codes in memory. Admin handlers provision
// and revoke codes; the ledger looks them up and decrements uses under its
// own claim lock.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]*Code
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*Code)}
}

// Normalize canonicalizes a user-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Provision registers a code. uses <= 0 means unlimited.
func (s *MemoryStore) Provision(code string, uses int, expiresAt *time.Time) *Code {
	code = Normalize(code)
	entry := &Code{
		Code:      code,
		ExpiresAt: expiresAt,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if uses > 0 {
		remaining := uses
		max := uses
		entry.UsesRemaining = &remaining
		entry.MaxUses = &max
	}
	s.mu.Lock()
	s.codes[code] = entry
	s.mu.Unlock()
	return entry
}

// Mint provisions a fresh random code.
func (s *MemoryStore) Mint(uses int, expiresAt *time.Time) *Code {
	return s.Provision(RandomCode(8), uses, expiresAt)
}

// Lookup returns a copy of the code entry if it exists and is active.
func (s *MemoryStore) Lookup(code string) (*Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[Normalize(code)]
	if !ok || !entry.Active {
		return nil, false
	}
	cp := *entry
	if entry.UsesRemaining != nil {
		v := *entry.UsesRemaining
		cp.UsesRemaining = &v
	}
	return &cp, true
}

// DecrementUse consumes one use. Returns false when the code is unknown,
// inactive or exhausted.
func (s *MemoryStore) DecrementUse(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[Normalize(code)]
	if !ok || !entry.Active {
		return false
	}
	if entry.UsesRemaining == nil {
		return true
	}
	if *entry.UsesRemaining <= 0 {
		return false
	}
	*entry.UsesRemaining--
	return true
}

// Deactivate revokes a code. Returns false when the code is unknown.
func (s *MemoryStore) Deactivate(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[Normalize(code)]
	if !ok {
		return false
	}
	entry.Active = false
	return true
}

// List returns all codes, newest first.
func (s *MemoryStore) List() []Code {
	s.mu.Lock()
	out := make([]Code, 0, len(s.codes))
	for _, entry := range s.codes {
		cp := *entry
		if entry.UsesRemaining != nil {
			v := *entry.UsesRemaining
			cp.UsesRemaining = &v
		}
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RandomCode generates an n-character code from the unambiguous charset.
func RandomCode(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand never fails on supported platforms; fall back to
			// a fixed glyph rather than panic in a request path.
			b.WriteByte(codeCharset[0])
			continue
		}
		b.WriteByte(codeCharset[idx.Int64()])
	}
	return b.String()
}
