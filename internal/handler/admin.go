package handler

import (
	"crypto/subtle"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/genselfie/api/internal/auth"
	"github.com/genselfie/api/internal/config"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/promo"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/pkg/response"
)

// AdminHandler serves the operator surface: login, promo provisioning,
// the preset catalog and the job list.
type AdminHandler struct {
	cfg       *config.AdminConfig
	promos    *promo.MemoryStore
	service   *service.GenerationService
	catalog   *model.PresetCatalog
	validator *validator.Validate
}

func NewAdminHandler(cfg *config.AdminConfig, promos *promo.MemoryStore, svc *service.GenerationService, catalog *model.PresetCatalog, v *validator.Validate) *AdminHandler {
	return &AdminHandler{
		cfg:       cfg,
		promos:    promos,
		service:   svc,
		catalog:   catalog,
		validator: v,
	}
}

// Login handles POST /api/admin/login
func (h *AdminHandler) Login(c *fiber.Ctx) error {
	var req model.AdminLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if h.cfg.Password == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Password)) != 1 {
		return response.Unauthorized(c, "Invalid password")
	}

	expiration := time.Duration(h.cfg.Expiration) * time.Hour
	token, err := auth.GenerateAdminToken(h.cfg.JWTSecret, expiration)
	if err != nil {
		return response.ServiceError(c, "Failed to issue token")
	}

	return response.OK(c, &model.AdminLoginResponse{
		Token:     token,
		ExpiresAt: expiryFromNow(expiration),
	})
}

// CreateCode handles POST /api/admin/codes. An empty code mints a random
// one.
func (h *AdminHandler) CreateCode(c *fiber.Ctx) error {
	var req model.AdminCodeCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	var code *promo.Code
	if req.Code == "" {
		code = h.promos.Mint(req.Uses, req.ExpiresAt)
	} else {
		code = h.promos.Provision(req.Code, req.Uses, req.ExpiresAt)
	}

	return response.Created(c, code)
}

// ListCodes handles GET /api/admin/codes
func (h *AdminHandler) ListCodes(c *fiber.Ctx) error {
	return response.OK(c, h.promos.List())
}

// RevokeCode handles DELETE /api/admin/codes/:code
func (h *AdminHandler) RevokeCode(c *fiber.Ctx) error {
	code := c.Params("code")
	if code == "" {
		return response.ValidationError(c, "Code is required", nil)
	}
	if !h.promos.Deactivate(code) {
		return response.NotFound(c, "Code not found")
	}
	return response.NoContent(c)
}

// ListPresets handles GET /api/admin/presets
func (h *AdminHandler) ListPresets(c *fiber.Ctx) error {
	return response.OK(c, h.catalog.List())
}

// ListJobs handles GET /api/admin/jobs
func (h *AdminHandler) ListJobs(c *fiber.Ctx) error {
	return response.OK(c, h.service.ListJobs())
}

func expiryFromNow(d time.Duration) time.Time {
	return time.Now().Add(d)
}
