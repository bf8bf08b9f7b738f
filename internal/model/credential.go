package model

import "time"

// PaymentCredential represents one proof-of-payment instance. A credential
// transitions to consumed at most once; consumed, expired and invalid are
// terminal.
type PaymentCredential struct {
	ID              string           `json:"id"`
	Method          PaymentMethod    `json:"method"`
	Status          CredentialStatus `json:"status"`
	AmountCents     int64            `json:"amountCents,omitempty"`
	AmountSats      int64            `json:"amountSats,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	ConsumedByJobID string           `json:"consumedByJobId,omitempty"`
	// Retry marks a compensation credential minted after a paid job failed.
	// Retry credentials are already settled and skip provider checks; a job
	// backed by one never mints another.
	Retry bool `json:"retry,omitempty"`
	// ProviderRef is the provider-side handle, a Stripe checkout session id
	// or an LNbits checking id. Never exposed to clients.
	ProviderRef string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PaymentCreateRequest asks for a new card session or lightning invoice.
type PaymentCreateRequest struct {
	Method   PaymentMethod `json:"method" validate:"required,oneof=card lightning"`
	PresetID string        `json:"presetId,omitempty"`
}

// PaymentCreateResponse carries provider handles back to the client. For
// card payments the client is redirected to CheckoutURL; for lightning it
// renders PaymentRequest (or the QR image) and polls for settlement.
type PaymentCreateResponse struct {
	CredentialID   string        `json:"credentialId"`
	Method         PaymentMethod `json:"method"`
	AmountCents    int64         `json:"amountCents,omitempty"`
	AmountSats     int64         `json:"amountSats,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	CheckoutURL    string        `json:"checkoutUrl,omitempty"`
	PaymentRequest string        `json:"paymentRequest,omitempty"`
	QRImage        string        `json:"qrImage,omitempty"`
}

// PaymentStatusResponse reports current settlement state. Polling never
// consumes the credential.
type PaymentStatusResponse struct {
	CredentialID string        `json:"credentialId"`
	Method       PaymentMethod `json:"method"`
	Paid         bool          `json:"paid"`
}

// CodeValidateRequest validates a promo code without consuming a use.
type CodeValidateRequest struct {
	Code string `json:"code" validate:"required,min=1,max=50"`
}

// CodeValidateResponse is advisory only; the authoritative check (and the
// use decrement) happens when the code is claimed at generation time.
type CodeValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}
