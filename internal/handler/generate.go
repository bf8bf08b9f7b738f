package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/jobs"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/pkg/response"
)

type GenerateHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerateHandler(svc *service.GenerationService, v *validator.Validate) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Generate(c.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPendingSessionExpired):
			return response.SessionExpired(c, "Pending session expired or already used")
		case errors.Is(err, ledger.ErrNotSettled):
			return response.PaymentNotReady(c, "Payment has not settled yet")
		case errors.Is(err, ledger.ErrAlreadyConsumed):
			return response.PaymentAlreadyUsed(c, "Payment was already used for a generation")
		case errors.Is(err, ledger.ErrInvalidCredential):
			return response.InvalidCode(c, "Invalid payment credential or promo code")
		case errors.Is(err, service.ErrUnknownPreset), errors.Is(err, service.ErrMissingSourceImage):
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/generate/:jobId
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
