package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genselfie/api/internal/model"
)

// ProfileResolver resolves a social handle to a public avatar image URL.
type ProfileResolver interface {
	FetchProfileImage(ctx context.Context, platform model.Platform, handle string) (string, error)
}

// SocialClient resolves avatars through each platform's public surface,
// no credentials required.
type SocialClient struct {
	httpClient *http.Client
}

// NewSocialClient creates a new social profile client
func NewSocialClient() *SocialClient {
	return &SocialClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// FetchProfileImage returns the avatar URL for the given platform handle.
func (c *SocialClient) FetchProfileImage(ctx context.Context, platform model.Platform, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "", fmt.Errorf("empty handle")
	}

	log.Printf("[Social API] → resolve %s/%s", platform, handle)

	switch platform {
	case model.PlatformTwitter:
		return c.verifyImageURL(ctx, "https://unavatar.io/twitter/"+url.PathEscape(handle))
	case model.PlatformGithub:
		return c.verifyImageURL(ctx, fmt.Sprintf("https://github.com/%s.png", url.PathEscape(handle)))
	case model.PlatformBluesky:
		return c.fetchBlueskyAvatar(ctx, handle)
	case model.PlatformMastodon:
		return c.fetchMastodonAvatar(ctx, handle)
	default:
		return "", fmt.Errorf("unsupported platform: %s", platform)
	}
}

// verifyImageURL checks the avatar actually resolves before handing the
// URL to the synthesis backend.
func (c *SocialClient) verifyImageURL(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("avatar not found (status %d)", resp.StatusCode)
	}
	return imageURL, nil
}

func (c *SocialClient) fetchBlueskyAvatar(ctx context.Context, handle string) (string, error) {
	endpoint := "https://public.api.bsky.app/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(handle)
	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return "", err
	}
	var profile struct {
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if profile.Avatar == "" {
		return "", fmt.Errorf("profile has no avatar")
	}
	return profile.Avatar, nil
}

// fetchMastodonAvatar expects a federated handle, user@instance.
func (c *SocialClient) fetchMastodonAvatar(ctx context.Context, handle string) (string, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("mastodon handle must be user@instance")
	}
	endpoint := fmt.Sprintf("https://%s/api/v1/accounts/lookup?acct=%s", parts[1], url.QueryEscape(parts[0]))
	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return "", err
	}
	var account struct {
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return "", fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if account.Avatar == "" {
		return "", fmt.Errorf("account has no avatar")
	}
	return account.Avatar, nil
}

func (c *SocialClient) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile lookup failed (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
