package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/pkg/response"
)

type SessionHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewSessionHandler(svc *service.GenerationService, v *validator.Validate) *SessionHandler {
	return &SessionHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/sessions, stashing request state ahead of a
// checkout redirect.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req model.SessionCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StashSession(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}
