package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/pkg/response"
)

type PaymentHandler struct {
	service   *service.PaymentService
	validator *validator.Validate
}

func NewPaymentHandler(svc *service.PaymentService, v *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/payments
func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	var req model.PaymentCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreatePayment(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}

// Status handles GET /api/payments/:credentialId/status
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	credentialID := c.Params("credentialId")
	if credentialID == "" {
		return response.ValidationError(c, "Credential ID is required", nil)
	}

	result, err := h.service.PaymentStatus(c.Context(), credentialID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidCredential) {
			return response.NotFound(c, "Payment credential not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// ValidateCode handles POST /api/codes/validate. Always 200; validity is
// in the body, and the check never consumes a use.
func (h *PaymentHandler) ValidateCode(c *fiber.Ctx) error {
	var req model.CodeValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	return response.OK(c, h.service.ValidateCode(req.Code))
}
