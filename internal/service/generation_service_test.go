package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/jobs"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/promo"
	"github.com/genselfie/api/internal/session"
	"github.com/genselfie/api/internal/websocket"
)

type stubCard struct{ paid map[string]bool }

func (s *stubCard) CreateSession(ctx context.Context, amountCents int64, currency, productName, returnURL string) (*client.CheckoutSession, error) {
	return &client.CheckoutSession{ID: "cs_1", CheckoutURL: "https://checkout.test/cs_1"}, nil
}
func (s *stubCard) GetSessionStatus(ctx context.Context, sessionID string) (bool, error) {
	return s.paid[sessionID], nil
}
func (s *stubCard) IsConfigured() bool { return true }

type stubLightning struct{}

func (s *stubLightning) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*client.Invoice, error) {
	return &client.Invoice{CheckingID: "chk_1", PaymentRequest: "lnbc1test", AmountSats: amountSats}, nil
}
func (s *stubLightning) GetInvoiceStatus(ctx context.Context, checkingID string) (bool, error) {
	return false, nil
}
func (s *stubLightning) IsConfigured() bool { return true }

// fakeSynthesizer scripts the backend: a number of pending polls, then a
// terminal state.
type fakeSynthesizer struct {
	mu           sync.Mutex
	submitErr    error
	pendingPolls int
	finalState   client.SynthesisState
	resultRef    string
	reason       string
	submitted    []client.JobSpec
}

func (f *fakeSynthesizer) Submit(ctx context.Context, spec *client.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, *spec)
	return "prompt-1", nil
}

func (f *fakeSynthesizer) Poll(ctx context.Context, backendRef string) (*client.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return &client.PollResult{State: client.SynthesisPending}, nil
	}
	return &client.PollResult{State: f.finalState, ResultRef: f.resultRef, Reason: f.reason}, nil
}

func (f *fakeSynthesizer) IsConfigured() bool { return true }

type fakeResolver struct{ err error }

func (f *fakeResolver) FetchProfileImage(ctx context.Context, platform model.Platform, handle string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://avatars.test/" + handle + ".png", nil
}

type fixture struct {
	svc      *GenerationService
	ledger   *ledger.Ledger
	promos   *promo.MemoryStore
	card     *stubCard
	sessions *session.MemoryStore
	synth    *fakeSynthesizer
}

func newFixture(t *testing.T, synth *fakeSynthesizer) *fixture {
	t.Helper()
	promos := promo.NewMemoryStore()
	card := &stubCard{paid: make(map[string]bool)}
	l := ledger.New(promos, card, &stubLightning{})
	sessions := session.NewMemoryStore(time.Minute, time.Minute)
	t.Cleanup(sessions.Stop)

	catalog := model.NewPresetCatalog([]model.Preset{{
		ID:                 "default",
		Name:               "Default",
		InfluencerImageRef: "influencer.png",
		Width:              1024,
		Height:             1024,
		Prompt:             "a selfie of two people",
		PriceCents:         500,
		AllowPromptEdit:    true,
	}})

	svc := NewGenerationService(l, sessions, jobs.NewTable(), synth, &fakeResolver{}, nil, nil, catalog, 5*time.Millisecond, 150*time.Millisecond)
	return &fixture{svc: svc, ledger: l, promos: promos, card: card, sessions: sessions, synth: synth}
}

func waitTerminal(t *testing.T, svc *GenerationService, jobID string) *model.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := svc.GetStatus(jobID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Status.Terminal() {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestGenerateHappyPathWithPromo(t *testing.T) {
	synth := &fakeSynthesizer{pendingPolls: 2, finalState: client.SynthesisSucceeded, resultRef: "https://comfy.test/output/out.png"}
	f := newFixture(t, synth)
	f.promos.Provision("FREE10", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "FREE10",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected a job id")
	}

	status := waitTerminal(t, f.svc, resp.JobID)
	if status.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", status.Status, status.Cause)
	}
	if status.ResultURL != "https://comfy.test/output/out.png" {
		t.Fatalf("unexpected result url %q", status.ResultURL)
	}

	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(synth.submitted))
	}
	spec := synth.submitted[0]
	if spec.SourceImageRef != "https://img.test/fan.png" || spec.InfluencerImageRef != "influencer.png" {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	// The single use is burned.
	_, err = f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "FREE10",
		SourceImageRef: "https://img.test/fan.png",
	})
	if !errors.Is(err, ledger.ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestGenerateBackendFailureMintsRetryCode(t *testing.T) {
	synth := &fakeSynthesizer{finalState: client.SynthesisFailed, reason: "no output image"}
	f := newFixture(t, synth)
	f.promos.Provision("FAIL1", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "FAIL1",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	status := waitTerminal(t, f.svc, resp.JobID)
	if status.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.Cause != model.CauseBackendFailure {
		t.Fatalf("expected backend_failure, got %s", status.Cause)
	}
	if status.RetryCode == "" {
		t.Fatal("expected a retry code")
	}

	// The retry code pays for a second attempt; when it fails too, no
	// further code is minted.
	resp2, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      status.RetryCode,
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("retry generate failed: %v", err)
	}
	status2 := waitTerminal(t, f.svc, resp2.JobID)
	if status2.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status2.Status)
	}
	if status2.RetryCode != "" {
		t.Fatalf("retry job must not mint another code, got %q", status2.RetryCode)
	}
}

func TestGenerateBackendTimeout(t *testing.T) {
	synth := &fakeSynthesizer{pendingPolls: 1 << 30, finalState: client.SynthesisSucceeded}
	f := newFixture(t, synth)
	f.promos.Provision("SLOW1", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "SLOW1",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	status := waitTerminal(t, f.svc, resp.JobID)
	if status.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.Cause != model.CauseBackendTimeout {
		t.Fatalf("expected backend_timeout, got %s", status.Cause)
	}
	if status.RetryCode == "" {
		t.Fatal("expected a retry code on timeout")
	}
}

func TestGenerateSubmitFailure(t *testing.T) {
	synth := &fakeSynthesizer{submitErr: errors.New("connection refused")}
	f := newFixture(t, synth)
	f.promos.Provision("DOWN1", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "DOWN1",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	status := waitTerminal(t, f.svc, resp.JobID)
	if status.Status != model.JobStatusFailed || status.Cause != model.CauseBackendFailure {
		t.Fatalf("expected backend_failure, got %s/%s", status.Status, status.Cause)
	}
}

func TestGenerateWithPendingSession(t *testing.T) {
	synth := &fakeSynthesizer{finalState: client.SynthesisSucceeded, resultRef: "out.png"}
	f := newFixture(t, synth)
	f.promos.Provision("SESS1", 1, nil)

	stash, err := f.svc.StashSession(context.Background(), &model.SessionCreateRequest{
		SourceImageRef: "https://img.test/stashed.png",
		PresetID:       "default",
	})
	if err != nil {
		t.Fatalf("stash failed: %v", err)
	}

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:    model.PaymentMethodPromo,
		PromoCode:        "SESS1",
		PendingSessionID: stash.PendingSessionID,
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	waitTerminal(t, f.svc, resp.JobID)

	synth.mu.Lock()
	src := synth.submitted[0].SourceImageRef
	synth.mu.Unlock()
	if src != "https://img.test/stashed.png" {
		t.Fatalf("expected stashed source, got %q", src)
	}

	// The session was taken; reusing the id fails before any claim.
	_, err = f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:    model.PaymentMethodPromo,
		PromoCode:        "SESS1",
		PendingSessionID: stash.PendingSessionID,
	})
	if !errors.Is(err, ErrPendingSessionExpired) {
		t.Fatalf("expected ErrPendingSessionExpired, got %v", err)
	}
}

func TestGenerateUnpaidCardRejected(t *testing.T) {
	synth := &fakeSynthesizer{finalState: client.SynthesisSucceeded}
	f := newFixture(t, synth)

	cred, _, err := f.ledger.IssueCardSession(context.Background(), 500, "usd", "Default", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	_, err = f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodCard,
		CredentialID:   cred.ID,
		SourceImageRef: "https://img.test/fan.png",
	})
	if !errors.Is(err, ledger.ErrNotSettled) {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}
	if jobs := f.svc.ListJobs(); len(jobs) != 0 {
		t.Fatalf("no job should exist, got %d", len(jobs))
	}
}

func TestGenerateResolvesProfileImage(t *testing.T) {
	synth := &fakeSynthesizer{finalState: client.SynthesisSucceeded, resultRef: "out.png"}
	f := newFixture(t, synth)
	f.promos.Provision("SOCIAL", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod: model.PaymentMethodPromo,
		PromoCode:     "SOCIAL",
		Platform:      model.PlatformGithub,
		Handle:        "octocat",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	waitTerminal(t, f.svc, resp.JobID)

	synth.mu.Lock()
	src := synth.submitted[0].SourceImageRef
	synth.mu.Unlock()
	if src != "https://avatars.test/octocat.png" {
		t.Fatalf("expected resolved avatar, got %q", src)
	}
}

func TestGenerateMissingSource(t *testing.T) {
	f := newFixture(t, &fakeSynthesizer{finalState: client.SynthesisSucceeded})
	f.promos.Provision("NOSRC", 1, nil)

	_, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod: model.PaymentMethodPromo,
		PromoCode:     "NOSRC",
	})
	if !errors.Is(err, ErrMissingSourceImage) {
		t.Fatalf("expected ErrMissingSourceImage, got %v", err)
	}

	// Validation failed before the claim, so the code is intact.
	if !f.ledger.ValidatePromo("NOSRC") {
		t.Fatal("promo use must survive a rejected request")
	}
}

func TestGenerateUnknownPreset(t *testing.T) {
	f := newFixture(t, &fakeSynthesizer{finalState: client.SynthesisSucceeded})
	f.promos.Provision("PRESET", 1, nil)

	_, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "PRESET",
		PresetID:       "missing",
		SourceImageRef: "https://img.test/fan.png",
	})
	if !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestFailureBroadcastsErrorOverHub(t *testing.T) {
	// Never resolves, so the job fails at the deadline well after the
	// subscriber is attached.
	synth := &fakeSynthesizer{pendingPolls: 1 << 30}
	f := newFixture(t, synth)
	hub := websocket.NewHub()
	go hub.Run()
	f.svc.hub = hub
	f.promos.Provision("SLOW1", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "SLOW1",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	sub := &websocket.Client{JobID: resp.JobID, Send: make(chan []byte, 16)}
	hub.Register(sub)
	defer hub.Unregister(sub)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case data, ok := <-sub.Send:
			if !ok {
				t.Fatal("subscriber evicted")
			}
			var env model.WSMessage
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if env.Type != model.WSMessageTypeError {
				continue
			}
			var msg model.WSErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if msg.JobID != resp.JobID {
				t.Fatalf("unexpected job id %q", msg.JobID)
			}
			if msg.Error.Code != string(model.CauseBackendTimeout) {
				t.Fatalf("unexpected error code %q", msg.Error.Code)
			}
			if msg.Error.Message == "" {
				t.Fatal("expected a human-readable message")
			}
			return
		case <-deadline:
			t.Fatal("no error broadcast received")
		}
	}
}

func TestFailAfterTerminalLeavesJobAndLedgerAlone(t *testing.T) {
	synth := &fakeSynthesizer{finalState: client.SynthesisSucceeded, resultRef: "https://comfy.test/output/out.png"}
	f := newFixture(t, synth)
	f.promos.Provision("DONE1", 1, nil)

	resp, err := f.svc.Generate(context.Background(), &model.GenerateRequest{
		PaymentMethod:  model.PaymentMethodPromo,
		PromoCode:      "DONE1",
		SourceImageRef: "https://img.test/fan.png",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got := waitTerminal(t, f.svc, resp.JobID); got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	f.svc.failJob(resp.JobID, model.CauseBackendFailure)

	status, err := f.svc.GetStatus(resp.JobID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != model.JobStatusCompleted {
		t.Fatalf("terminal job was overwritten: %s", status.Status)
	}
	if status.RetryCode != "" {
		t.Fatalf("unexpected retry code %q", status.RetryCode)
	}
}
