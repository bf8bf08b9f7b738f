package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/promo"
)

var (
	// ErrInvalidCredential covers unknown, expired and revoked credentials.
	ErrInvalidCredential = errors.New("invalid payment credential")
	// ErrNotSettled means the provider has not confirmed payment yet.
	ErrNotSettled = errors.New("payment not settled")
	// ErrAlreadyConsumed means the credential already backed a generation.
	ErrAlreadyConsumed = errors.New("payment credential already consumed")
)

// Unused card sessions and lightning invoices go stale after this long.
const credentialTTL = time.Hour

const retryCodePrefix = "RETRY-"

// Ledger is the single authority over payment credentials. Every
// credential is consumed at most once; the claim is a compare-and-swap
// under one mutex, so concurrent claims of the same credential produce
// exactly one winner.
type Ledger struct {
	mu          sync.Mutex
	credentials map[string]*model.PaymentCredential
	// promoClaims remembers which codes have produced a consumed
	// credential, so re-claiming an exhausted code reads as already-used
	// rather than unknown.
	promoClaims map[string]string

	promos    promo.Store
	card      client.CardProvider
	lightning client.LightningProvider
}

func New(promos promo.Store, card client.CardProvider, lightning client.LightningProvider) *Ledger {
	return &Ledger{
		credentials: make(map[string]*model.PaymentCredential),
		promoClaims: make(map[string]string),
		promos:      promos,
		card:        card,
		lightning:   lightning,
	}
}

// IssueCardSession opens a checkout session and records an unused
// credential bound to it. With no card provider configured it issues an
// already-settled credential so local development works end to end.
func (l *Ledger) IssueCardSession(ctx context.Context, amountCents int64, currency, productName, returnURL string) (*model.PaymentCredential, *client.CheckoutSession, error) {
	cred := &model.PaymentCredential{
		ID:          uuid.New().String(),
		Method:      model.PaymentMethodCard,
		Status:      model.CredentialStatusUnused,
		AmountCents: amountCents,
		Currency:    currency,
		CreatedAt:   time.Now(),
	}

	if !l.card.IsConfigured() {
		log.Printf("[Ledger] Card provider not configured, issuing mock settled credential %s", cred.ID)
		cred.Status = model.CredentialStatusSettled
		l.store(cred)
		return copyCredential(cred), &client.CheckoutSession{ID: "mock_" + cred.ID, CheckoutURL: returnURL}, nil
	}

	session, err := l.card.CreateSession(ctx, amountCents, currency, productName, returnURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	cred.ProviderRef = session.ID
	l.store(cred)
	return copyCredential(cred), session, nil
}

// IssueLightningInvoice creates an invoice and records an unused
// credential bound to it, with the same mock fallback as card sessions.
func (l *Ledger) IssueLightningInvoice(ctx context.Context, amountSats int64, memo string) (*model.PaymentCredential, *client.Invoice, error) {
	cred := &model.PaymentCredential{
		ID:         uuid.New().String(),
		Method:     model.PaymentMethodLightning,
		Status:     model.CredentialStatusUnused,
		AmountSats: amountSats,
		CreatedAt:  time.Now(),
	}

	if !l.lightning.IsConfigured() {
		log.Printf("[Ledger] Lightning provider not configured, issuing mock settled credential %s", cred.ID)
		cred.Status = model.CredentialStatusSettled
		l.store(cred)
		return copyCredential(cred), &client.Invoice{
			CheckingID:     "mock_" + cred.ID,
			PaymentRequest: "lnbc1mock" + strings.ToLower(promo.RandomCode(12)),
			AmountSats:     amountSats,
		}, nil
	}

	invoice, err := l.lightning.CreateInvoice(ctx, amountSats, memo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	cred.ProviderRef = invoice.CheckingID
	l.store(cred)
	return copyCredential(cred), invoice, nil
}

// PollSettlement reports whether a credential is paid. It may promote an
// unused credential to settled after checking the provider, but it never
// consumes anything.
func (l *Ledger) PollSettlement(ctx context.Context, credentialID string) (bool, error) {
	l.mu.Lock()
	cred, ok := l.credentials[credentialID]
	if !ok {
		l.mu.Unlock()
		return false, ErrInvalidCredential
	}
	l.expireLocked(cred)
	status := cred.Status
	method := cred.Method
	providerRef := cred.ProviderRef
	l.mu.Unlock()

	switch status {
	case model.CredentialStatusSettled, model.CredentialStatusConsumed:
		return true, nil
	case model.CredentialStatusExpired, model.CredentialStatusInvalid:
		return false, ErrInvalidCredential
	}

	paid, err := l.checkProvider(ctx, method, providerRef)
	if err != nil {
		return false, err
	}
	if paid {
		l.mu.Lock()
		if cred, ok := l.credentials[credentialID]; ok && cred.Status == model.CredentialStatusUnused {
			cred.Status = model.CredentialStatusSettled
		}
		l.mu.Unlock()
	}
	return paid, nil
}

// ClaimAndConsume atomically consumes the credential identified by the
// request and binds it to jobID. Exactly one concurrent caller wins; the
// rest get ErrAlreadyConsumed. Promo codes are decremented here, never
// during advisory validation.
func (l *Ledger) ClaimAndConsume(ctx context.Context, method model.PaymentMethod, promoCode, credentialID, jobID string) (*model.PaymentCredential, error) {
	switch method {
	case model.PaymentMethodPromo:
		return l.claimPromo(promoCode, jobID)
	case model.PaymentMethodCard, model.PaymentMethodLightning:
		return l.claimProviderCredential(ctx, credentialID, jobID)
	default:
		return nil, ErrInvalidCredential
	}
}

func (l *Ledger) claimPromo(code, jobID string) (*model.PaymentCredential, error) {
	code = promo.Normalize(code)
	if code == "" {
		return nil, ErrInvalidCredential
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Retry codes are credentials in their own right, not promo store
	// entries.
	if strings.HasPrefix(code, retryCodePrefix) {
		cred, ok := l.credentials[code]
		if !ok {
			return nil, ErrInvalidCredential
		}
		return l.consumeLocked(cred, jobID)
	}

	entry, ok := l.promos.Lookup(code)
	if !ok {
		if _, claimed := l.promoClaims[code]; claimed {
			return nil, ErrAlreadyConsumed
		}
		return nil, ErrInvalidCredential
	}
	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		return nil, ErrInvalidCredential
	}
	if !l.promos.DecrementUse(code) {
		if _, claimed := l.promoClaims[code]; claimed {
			return nil, ErrAlreadyConsumed
		}
		return nil, ErrInvalidCredential
	}

	cred := &model.PaymentCredential{
		ID:              uuid.New().String(),
		Method:          model.PaymentMethodPromo,
		Status:          model.CredentialStatusConsumed,
		ConsumedByJobID: jobID,
		CreatedAt:       time.Now(),
	}
	l.credentials[cred.ID] = cred
	l.promoClaims[code] = cred.ID
	return copyCredential(cred), nil
}

func (l *Ledger) claimProviderCredential(ctx context.Context, credentialID, jobID string) (*model.PaymentCredential, error) {
	l.mu.Lock()
	cred, ok := l.credentials[credentialID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrInvalidCredential
	}
	l.expireLocked(cred)

	switch cred.Status {
	case model.CredentialStatusConsumed:
		l.mu.Unlock()
		return nil, ErrAlreadyConsumed
	case model.CredentialStatusExpired, model.CredentialStatusInvalid:
		l.mu.Unlock()
		return nil, ErrInvalidCredential
	case model.CredentialStatusSettled:
		defer l.mu.Unlock()
		return l.consumeLocked(cred, jobID)
	}

	method := cred.Method
	providerRef := cred.ProviderRef
	l.mu.Unlock()

	// Provider round trip happens outside the lock; the consume below
	// re-checks under the lock so a racing claim cannot double-spend.
	paid, err := l.checkProvider(ctx, method, providerRef)
	if err != nil {
		return nil, err
	}
	if !paid {
		return nil, ErrNotSettled
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cred, ok = l.credentials[credentialID]
	if !ok {
		return nil, ErrInvalidCredential
	}
	if cred.Status == model.CredentialStatusUnused {
		cred.Status = model.CredentialStatusSettled
	}
	return l.consumeLocked(cred, jobID)
}

// consumeLocked is the single consumption point. Callers hold l.mu.
func (l *Ledger) consumeLocked(cred *model.PaymentCredential, jobID string) (*model.PaymentCredential, error) {
	switch cred.Status {
	case model.CredentialStatusConsumed:
		return nil, ErrAlreadyConsumed
	case model.CredentialStatusSettled:
		cred.Status = model.CredentialStatusConsumed
		cred.ConsumedByJobID = jobID
		return copyCredential(cred), nil
	default:
		return nil, ErrInvalidCredential
	}
}

// MintRetryCredential issues a settled compensation credential after a
// paid job failed in the backend. Its id doubles as the code the user
// types in to retry for free.
func (l *Ledger) MintRetryCredential() *model.PaymentCredential {
	cred := &model.PaymentCredential{
		ID:        retryCodePrefix + promo.RandomCode(8),
		Method:    model.PaymentMethodPromo,
		Status:    model.CredentialStatusSettled,
		Retry:     true,
		CreatedAt: time.Now(),
	}
	l.store(cred)
	return copyCredential(cred)
}

// Discard removes a credential that was minted but never handed to a
// user. Consumed credentials stay for audit.
func (l *Ledger) Discard(credentialID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cred, ok := l.credentials[credentialID]; ok && cred.Status != model.CredentialStatusConsumed {
		delete(l.credentials, credentialID)
	}
}

// ValidatePromo is the advisory check behind the code validation
// endpoint. It never decrements a use.
func (l *Ledger) ValidatePromo(code string) bool {
	code = promo.Normalize(code)
	if code == "" {
		return false
	}

	if strings.HasPrefix(code, retryCodePrefix) {
		l.mu.Lock()
		defer l.mu.Unlock()
		cred, ok := l.credentials[code]
		return ok && cred.Status == model.CredentialStatusSettled
	}

	entry, ok := l.promos.Lookup(code)
	if !ok {
		return false
	}
	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		return false
	}
	if entry.UsesRemaining != nil && *entry.UsesRemaining <= 0 {
		return false
	}
	return true
}

// Get returns a copy of the credential, if known.
func (l *Ledger) Get(credentialID string) (*model.PaymentCredential, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cred, ok := l.credentials[credentialID]
	if !ok {
		return nil, false
	}
	return copyCredential(cred), true
}

func (l *Ledger) checkProvider(ctx context.Context, method model.PaymentMethod, providerRef string) (bool, error) {
	switch method {
	case model.PaymentMethodCard:
		paid, err := l.card.GetSessionStatus(ctx, providerRef)
		if err != nil {
			return false, fmt.Errorf("failed to check card payment: %w", err)
		}
		return paid, nil
	case model.PaymentMethodLightning:
		paid, err := l.lightning.GetInvoiceStatus(ctx, providerRef)
		if err != nil {
			return false, fmt.Errorf("failed to check invoice: %w", err)
		}
		return paid, nil
	default:
		return false, ErrInvalidCredential
	}
}

// expireLocked ages out unused provider credentials. Callers hold l.mu.
func (l *Ledger) expireLocked(cred *model.PaymentCredential) {
	if cred.Status == model.CredentialStatusUnused && time.Since(cred.CreatedAt) > credentialTTL {
		cred.Status = model.CredentialStatusExpired
	}
}

func (l *Ledger) store(cred *model.PaymentCredential) {
	l.mu.Lock()
	l.credentials[cred.ID] = cred
	l.mu.Unlock()
}

func copyCredential(cred *model.PaymentCredential) *model.PaymentCredential {
	cp := *cred
	return &cp
}
