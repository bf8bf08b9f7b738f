package model

// ProfileRequest resolves a social handle to a public avatar.
type ProfileRequest struct {
	Platform Platform `json:"platform" validate:"required,oneof=twitter bluesky github mastodon"`
	Handle   string   `json:"handle" validate:"required,min=1,max=255"`
}

// ProfileResponse carries the resolved avatar URL.
type ProfileResponse struct {
	Platform Platform `json:"platform"`
	Handle   string   `json:"handle"`
	ImageURL string   `json:"imageUrl"`
}
