package model

import "time"

// PendingSession is the short-lived bag of request state stashed before a
// redirect-based payment and taken back exactly once after the return.
type PendingSession struct {
	ID             string    `json:"id"`
	SourceImageRef string    `json:"sourceImageRef,omitempty"`
	Platform       Platform  `json:"platform,omitempty"`
	Handle         string    `json:"handle,omitempty"`
	PresetID       string    `json:"presetId,omitempty"`
	CustomPrompt   string    `json:"customPrompt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionCreateRequest stashes request state ahead of a checkout redirect.
type SessionCreateRequest struct {
	SourceImageRef string   `json:"sourceImageRef,omitempty" validate:"omitempty,max=1000"`
	Platform       Platform `json:"platform,omitempty" validate:"omitempty,oneof=twitter bluesky github mastodon"`
	Handle         string   `json:"handle,omitempty" validate:"omitempty,max=255"`
	PresetID       string   `json:"presetId,omitempty"`
	CustomPrompt   string   `json:"customPrompt,omitempty" validate:"omitempty,max=2000"`
}

// SessionCreateResponse returns the opaque id the client carries across
// the redirect.
type SessionCreateResponse struct {
	PendingSessionID string    `json:"pendingSessionId"`
	ExpiresAt        time.Time `json:"expiresAt"`
}
