package model

import "time"

// AdminLoginRequest exchanges the admin password for a bearer token.
type AdminLoginRequest struct {
	Password string `json:"password" validate:"required"`
}

// AdminLoginResponse carries the signed admin token.
type AdminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AdminCodeCreateRequest provisions a promo code. An empty code mints a
// random one; uses <= 0 means unlimited.
type AdminCodeCreateRequest struct {
	Code      string     `json:"code,omitempty" validate:"omitempty,min=4,max=50"`
	Uses      int        `json:"uses,omitempty" validate:"omitempty,min=0,max=100000"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
