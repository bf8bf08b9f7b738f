package model

import "time"

// GenerationJob is one attempt to produce a result image. The orchestrator
// exclusively creates, mutates and terminates jobs; handlers only read
// projections of them.
type GenerationJob struct {
	ID                  string       `json:"id"`
	Status              JobStatus    `json:"status"`
	PaymentCredentialID string       `json:"paymentCredentialId,omitempty"`
	PresetID            string       `json:"presetId"`
	SourceImageRef      string       `json:"sourceImageRef"`
	InfluencerImageRef  string       `json:"influencerImageRef"`
	Prompt              string       `json:"prompt,omitempty"`
	Width               int          `json:"width"`
	Height              int          `json:"height"`
	Platform            Platform     `json:"platform,omitempty"`
	Handle              string       `json:"handle,omitempty"`
	BackendRef          string       `json:"backendRef,omitempty"`
	ResultRef           string       `json:"resultRef,omitempty"`
	RetryCode           string       `json:"retryCode,omitempty"`
	FailureCause        FailureCause `json:"failureCause,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	TerminalAt          *time.Time   `json:"terminalAt,omitempty"`
}

// GenerateRequest is the orchestrator entry point payload. Source state
// comes either directly from the request or from a pending session stashed
// before a card-checkout redirect.
type GenerateRequest struct {
	PaymentMethod    PaymentMethod `json:"paymentMethod" validate:"required,oneof=promo card lightning"`
	PromoCode        string        `json:"promoCode,omitempty" validate:"omitempty,max=50"`
	CredentialID     string        `json:"credentialId,omitempty" validate:"omitempty,max=255"`
	PendingSessionID string        `json:"pendingSessionId,omitempty"`
	PresetID         string        `json:"presetId,omitempty"`
	SourceImageRef   string        `json:"sourceImageRef,omitempty" validate:"omitempty,max=1000"`
	Platform         Platform      `json:"platform,omitempty" validate:"omitempty,oneof=twitter bluesky github mastodon"`
	Handle           string        `json:"handle,omitempty" validate:"omitempty,max=255"`
	CustomPrompt     string        `json:"customPrompt,omitempty" validate:"omitempty,max=2000"`
}

// GenerateResponse acknowledges an accepted generation. The client polls
// the status endpoint (or subscribes on the websocket) until terminal.
type GenerateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the read-only projection served to polling clients.
type JobStatusResponse struct {
	JobID      string       `json:"jobId"`
	Status     JobStatus    `json:"status"`
	ResultURL  string       `json:"resultUrl,omitempty"`
	RetryCode  string       `json:"retryCode,omitempty"`
	Cause      FailureCause `json:"cause,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	TerminalAt *time.Time   `json:"terminalAt,omitempty"`
}
