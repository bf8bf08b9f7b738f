package model

// Payment methods
type PaymentMethod string

const (
	PaymentMethodPromo     PaymentMethod = "promo"
	PaymentMethodCard      PaymentMethod = "card"
	PaymentMethodLightning PaymentMethod = "lightning"
)

var ValidPaymentMethods = []PaymentMethod{
	PaymentMethodPromo, PaymentMethodCard, PaymentMethodLightning,
}

// Credential status
type CredentialStatus string

const (
	CredentialStatusUnused   CredentialStatus = "unused"
	CredentialStatusSettled  CredentialStatus = "settled"
	CredentialStatusConsumed CredentialStatus = "consumed"
	CredentialStatusExpired  CredentialStatus = "expired"
	CredentialStatusInvalid  CredentialStatus = "invalid"
)

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Failure causes recorded on failed jobs
type FailureCause string

const (
	CauseDispatchFailed FailureCause = "dispatch_failed"
	CauseBackendFailure FailureCause = "backend_failure"
	CauseBackendTimeout FailureCause = "backend_timeout"
)

// Social platforms supported for profile image resolution
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformBluesky  Platform = "bluesky"
	PlatformGithub   Platform = "github"
	PlatformMastodon Platform = "mastodon"
)

var ValidPlatforms = []Platform{
	PlatformTwitter, PlatformBluesky, PlatformGithub, PlatformMastodon,
}
