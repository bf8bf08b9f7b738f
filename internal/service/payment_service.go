package service

import (
	"context"
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/genselfie/api/internal/config"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/model"
)

// PaymentService issues payment credentials and answers settlement polls.
// All credential state lives in the ledger; this layer adds pricing and
// presentation (checkout urls, invoice QR codes).
type PaymentService struct {
	ledger  *ledger.Ledger
	catalog *model.PresetCatalog
	cfg     *config.Config
}

func NewPaymentService(l *ledger.Ledger, catalog *model.PresetCatalog, cfg *config.Config) *PaymentService {
	return &PaymentService{
		ledger:  l,
		catalog: catalog,
		cfg:     cfg,
	}
}

// CreatePayment opens a card checkout session or a lightning invoice
// priced by the chosen preset.
func (s *PaymentService) CreatePayment(ctx context.Context, req *model.PaymentCreateRequest) (*model.PaymentCreateResponse, error) {
	preset, ok := s.catalog.Get(req.PresetID)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", req.PresetID)
	}

	switch req.Method {
	case model.PaymentMethodCard:
		cred, session, err := s.ledger.IssueCardSession(ctx, preset.PriceCents, s.cfg.Pricing.Currency, preset.Name, s.cfg.Server.ReturnURL)
		if err != nil {
			return nil, err
		}
		return &model.PaymentCreateResponse{
			CredentialID: cred.ID,
			Method:       model.PaymentMethodCard,
			AmountCents:  cred.AmountCents,
			Currency:     cred.Currency,
			CheckoutURL:  session.CheckoutURL,
		}, nil

	case model.PaymentMethodLightning:
		sats := preset.PriceCents * s.cfg.Pricing.SatsPerCent
		if sats < 1 {
			sats = 1
		}
		memo := fmt.Sprintf("GenSelfie: %s", preset.Name)
		cred, invoice, err := s.ledger.IssueLightningInvoice(ctx, sats, memo)
		if err != nil {
			return nil, err
		}
		return &model.PaymentCreateResponse{
			CredentialID:   cred.ID,
			Method:         model.PaymentMethodLightning,
			AmountSats:     cred.AmountSats,
			PaymentRequest: invoice.PaymentRequest,
			QRImage:        invoiceQR(invoice.PaymentRequest),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported payment method %q", req.Method)
	}
}

// PaymentStatus reports whether a credential has settled. Polling never
// consumes the credential.
func (s *PaymentService) PaymentStatus(ctx context.Context, credentialID string) (*model.PaymentStatusResponse, error) {
	paid, err := s.ledger.PollSettlement(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	method := model.PaymentMethod("")
	if cred, ok := s.ledger.Get(credentialID); ok {
		method = cred.Method
	}
	return &model.PaymentStatusResponse{
		CredentialID: credentialID,
		Method:       method,
		Paid:         paid,
	}, nil
}

// ValidateCode is the advisory promo check. The authoritative claim, and
// the use decrement, happen at generation time.
func (s *PaymentService) ValidateCode(code string) *model.CodeValidateResponse {
	if !s.cfg.Promo.Enabled {
		return &model.CodeValidateResponse{Valid: false, Error: "promo codes are not enabled"}
	}
	if !s.ledger.ValidatePromo(code) {
		return &model.CodeValidateResponse{Valid: false, Error: "code is invalid or exhausted"}
	}
	return &model.CodeValidateResponse{Valid: true}
}

// invoiceQR renders the bolt11 payment request as a data-uri PNG for
// wallet scanning.
func invoiceQR(paymentRequest string) string {
	png, err := qrcode.Encode(paymentRequest, qrcode.Medium, 256)
	if err != nil {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
