package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypeError  = "error"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage is the bare envelope used for ping/pong.
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a job state transition to subscribers.
type WSStatusMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	ResultURL string    `json:"resultUrl,omitempty"`
	RetryCode string    `json:"retryCode,omitempty"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
