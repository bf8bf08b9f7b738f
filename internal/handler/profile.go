package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/pkg/response"
)

type ProfileHandler struct {
	resolver  client.ProfileResolver
	validator *validator.Validate
}

func NewProfileHandler(resolver client.ProfileResolver, v *validator.Validate) *ProfileHandler {
	return &ProfileHandler{
		resolver:  resolver,
		validator: v,
	}
}

// Resolve handles POST /api/profile
func (h *ProfileHandler) Resolve(c *fiber.Ctx) error {
	var req model.ProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	imageURL, err := h.resolver.FetchProfileImage(c.Context(), req.Platform, req.Handle)
	if err != nil {
		return response.NotFound(c, "Profile image not found")
	}

	return response.OK(c, &model.ProfileResponse{
		Platform: req.Platform,
		Handle:   req.Handle,
		ImageURL: imageURL,
	})
}
