package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/config"
	"github.com/genselfie/api/internal/jobs"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/middleware"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/promo"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/internal/session"
)

// instantSynthesizer completes every job on the first poll.
type instantSynthesizer struct{}

func (instantSynthesizer) Submit(ctx context.Context, spec *client.JobSpec) (string, error) {
	return "prompt-1", nil
}

func (instantSynthesizer) Poll(ctx context.Context, backendRef string) (*client.PollResult, error) {
	return &client.PollResult{State: client.SynthesisSucceeded, ResultRef: "https://comfy.test/output/out.png"}, nil
}

func (instantSynthesizer) IsConfigured() bool { return true }

type staticResolver struct{}

func (staticResolver) FetchProfileImage(ctx context.Context, platform model.Platform, handle string) (string, error) {
	return "https://avatars.test/" + handle + ".png", nil
}

type testEnv struct {
	app    *fiber.App
	promos *promo.MemoryStore
}

func newTestApp(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Admin:   config.AdminConfig{Password: "hunter2", JWTSecret: "test-secret", Expiration: 24},
		Pricing: config.PricingConfig{Currency: "usd", SatsPerCent: 25},
		Promo:   config.PromoConfig{Enabled: true},
	}

	promos := promo.NewMemoryStore()
	// Unconfigured providers issue mock settled credentials.
	paymentLedger := ledger.New(promos,
		client.NewStripeClient(&config.StripeConfig{}),
		client.NewLNBitsClient(&config.LNBitsConfig{}))
	sessions := session.NewMemoryStore(time.Minute, time.Minute)
	t.Cleanup(sessions.Stop)

	catalog := model.NewPresetCatalog([]model.Preset{{
		ID:                 "default",
		Name:               "Classic Selfie",
		InfluencerImageRef: "influencer_primary.png",
		Width:              1024,
		Height:             1024,
		PriceCents:         500,
	}})

	paymentService := service.NewPaymentService(paymentLedger, catalog, cfg)
	generationService := service.NewGenerationService(
		paymentLedger, sessions, jobs.NewTable(), instantSynthesizer{}, staticResolver{},
		nil, nil, catalog, 5*time.Millisecond, time.Second,
	)

	validate := validator.New()
	paymentHandler := NewPaymentHandler(paymentService, validate)
	generateHandler := NewGenerateHandler(generationService, validate)
	sessionHandler := NewSessionHandler(generationService, validate)
	profileHandler := NewProfileHandler(staticResolver{}, validate)
	adminHandler := NewAdminHandler(&cfg.Admin, promos, generationService, catalog, validate)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.JWTSecret)

	app := fiber.New()
	api := app.Group("/api")
	api.Post("/payments", paymentHandler.Create)
	api.Get("/payments/:credentialId/status", paymentHandler.Status)
	api.Post("/codes/validate", paymentHandler.ValidateCode)
	api.Post("/profile", profileHandler.Resolve)
	api.Post("/sessions", sessionHandler.Create)
	api.Post("/generate", generateHandler.Generate)
	api.Get("/generate/:jobId", generateHandler.Status)
	admin := api.Group("/admin")
	admin.Post("/login", adminHandler.Login)
	admin.Get("/codes", adminAuth.Authenticate(), adminHandler.ListCodes)
	admin.Post("/codes", adminAuth.Authenticate(), adminHandler.CreateCode)

	return &testEnv{app: app, promos: promos}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func errorCode(body map[string]interface{}) string {
	errObj, _ := body["error"].(map[string]interface{})
	code, _ := errObj["code"].(string)
	return code
}

func TestCreateLightningPayment(t *testing.T) {
	env := newTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/api/payments", map[string]string{"method": "lightning"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	if id, _ := body["credentialId"].(string); id == "" {
		t.Fatal("expected a credential id")
	}
	if pr, _ := body["paymentRequest"].(string); pr == "" {
		t.Fatal("expected a payment request")
	}
	if qr, _ := body["qrImage"].(string); !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("expected a data-uri QR image, got %q", qr)
	}
}

func TestPaymentStatus(t *testing.T) {
	env := newTestApp(t)

	_, created := env.do(t, http.MethodPost, "/api/payments", map[string]string{"method": "card"}, nil)
	credentialID, _ := created["credentialId"].(string)

	resp, body := env.do(t, http.MethodGet, "/api/payments/"+credentialID+"/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if paid, _ := body["paid"].(bool); !paid {
		t.Fatalf("mock credential must be settled: %v", body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/payments/unknown/status", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPaymentValidation(t *testing.T) {
	env := newTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/api/payments", map[string]string{"method": "promo"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errorCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code %q", errorCode(body))
	}
}

func TestValidateCode(t *testing.T) {
	env := newTestApp(t)
	env.promos.Provision("FREE10", 1, nil)

	resp, body := env.do(t, http.MethodPost, "/api/codes/validate", map[string]string{"code": "free10"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if valid, _ := body["valid"].(bool); !valid {
		t.Fatalf("expected valid code: %v", body)
	}

	_, body = env.do(t, http.MethodPost, "/api/codes/validate", map[string]string{"code": "NOPE"}, nil)
	if valid, _ := body["valid"].(bool); valid {
		t.Fatal("unknown code must not validate")
	}
}

func waitJobCompleted(t *testing.T, env *testEnv, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := env.do(t, http.MethodGet, "/api/generate/"+jobID, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status request failed with %d", resp.StatusCode)
		}
		status, _ := body["status"].(string)
		if status == "completed" || status == "failed" {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestGenerateFlow(t *testing.T) {
	env := newTestApp(t)
	env.promos.Provision("FREE10", 1, nil)

	resp, body := env.do(t, http.MethodPost, "/api/generate", map[string]string{
		"paymentMethod":  "promo",
		"promoCode":      "FREE10",
		"sourceImageRef": "https://img.test/fan.png",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	final := waitJobCompleted(t, env, jobID)
	if final["status"] != "completed" {
		t.Fatalf("expected completed, got %v", final)
	}
	if final["resultUrl"] != "https://comfy.test/output/out.png" {
		t.Fatalf("unexpected result url %v", final["resultUrl"])
	}

	// Second claim of the single-use code conflicts.
	resp, body = env.do(t, http.MethodPost, "/api/generate", map[string]string{
		"paymentMethod":  "promo",
		"promoCode":      "FREE10",
		"sourceImageRef": "https://img.test/fan.png",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if errorCode(body) != "PAYMENT_ALREADY_USED" {
		t.Fatalf("unexpected error code %q", errorCode(body))
	}
}

func TestGenerateInvalidPromo(t *testing.T) {
	env := newTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/api/generate", map[string]string{
		"paymentMethod":  "promo",
		"promoCode":      "NOPE",
		"sourceImageRef": "https://img.test/fan.png",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errorCode(body) != "INVALID_CODE" {
		t.Fatalf("unexpected error code %q", errorCode(body))
	}
}

func TestGenerateExpiredSession(t *testing.T) {
	env := newTestApp(t)
	env.promos.Provision("SESS", 1, nil)

	resp, body := env.do(t, http.MethodPost, "/api/generate", map[string]string{
		"paymentMethod":    "promo",
		"promoCode":        "SESS",
		"pendingSessionId": "gone",
	}, nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d: %v", resp.StatusCode, body)
	}
	if errorCode(body) != "SESSION_EXPIRED" {
		t.Fatalf("unexpected error code %q", errorCode(body))
	}
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestApp(t)
	env.promos.Provision("SESS", 1, nil)

	resp, body := env.do(t, http.MethodPost, "/api/sessions", map[string]string{
		"sourceImageRef": "https://img.test/stashed.png",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	sessionID, _ := body["pendingSessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	resp, body = env.do(t, http.MethodPost, "/api/generate", map[string]string{
		"paymentMethod":    "promo",
		"promoCode":        "SESS",
		"pendingSessionId": sessionID,
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
}

func TestProfileResolve(t *testing.T) {
	env := newTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/api/profile", map[string]string{
		"platform": "github",
		"handle":   "octocat",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["imageUrl"] != "https://avatars.test/octocat.png" {
		t.Fatalf("unexpected image url %v", body["imageUrl"])
	}
}

func TestAdminAuthFlow(t *testing.T) {
	env := newTestApp(t)

	// Wrong password
	resp, _ := env.do(t, http.MethodPost, "/api/admin/login", map[string]string{"password": "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// No token
	resp, _ = env.do(t, http.MethodGet, "/api/admin/codes", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/api/admin/login", map[string]string{"password": "hunter2"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("expected a token")
	}

	auth := map[string]string{"Authorization": "Bearer " + token}
	resp, created := env.do(t, http.MethodPost, "/api/admin/codes", map[string]interface{}{"uses": 5}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if code, _ := created["code"].(string); code == "" {
		t.Fatal("expected a minted code")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/codes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := env.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listResp.StatusCode)
	}
	var codes []map[string]interface{}
	if err := json.NewDecoder(listResp.Body).Decode(&codes); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("expected 1 code, got %d", len(codes))
	}
}
