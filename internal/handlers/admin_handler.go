package handlers

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

// AdminHandler serves the authenticated admin API.
type AdminHandler struct {
	Admin  service.GatewayAdmin
	Tokens service.TokenGenerator

	adminPassword string
}

// NewAdminHandler creates a new AdminHandler. adminPassword is the shared
// login secret; when it is empty, login always fails.
func NewAdminHandler(admin service.GatewayAdmin, tokens service.TokenGenerator, adminPassword string) *AdminHandler {
	return &AdminHandler{
		Admin:         admin,
		Tokens:        tokens,
		adminPassword: adminPassword,
	}
}

// Login exchanges the admin password for a bearer token. Every failure
// reads the same on the wire; the reason only goes to the log.
func (h *AdminHandler) Login(c echo.Context) error {
	req := new(models.AdminLoginRequest)
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if h.adminPassword == "" {
		log.Printf("[AdminHandler.Login] Rejected login from %s: admin.password is not configured", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.adminPassword)) != 1 {
		log.Printf("[AdminHandler.Login] Rejected login from %s: wrong password", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}

	username := req.Username
	if username == "" {
		username = "admin"
	}
	token, expiry, err := h.Tokens.GenerateToken(username)
	if err != nil {
		log.Printf("[AdminHandler.Login] ERROR: Issuing token for '%s': %v", username, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to issue token")
	}

	log.Printf("[AdminHandler.Login] SUCCESS: Token issued for '%s' from %s", username, c.RealIP())
	return c.JSON(http.StatusOK, models.AdminLoginResponse{Token: token, Expiry: expiry})
}

// Pools reports a point-in-time snapshot of every backend pool partition.
func (h *AdminHandler) Pools(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Admin.Pools())
}

// Clients lists the live authenticated client sessions.
func (h *AdminHandler) Clients(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Admin.Clients())
}

// ReloadUsers swaps in a fresh credential snapshot from the configured
// store. A failed reload keeps the previous snapshot active.
func (h *AdminHandler) ReloadUsers(c echo.Context) error {
	resp, err := h.Admin.ReloadUsers(c.Request().Context())
	if err != nil {
		if errors.Is(err, service.ErrNoLocalStore) {
			return echo.NewHTTPError(http.StatusConflict, "Credential source is passthrough; there is no snapshot to reload")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Reload failed; the previous snapshot stays active")
	}
	return c.JSON(http.StatusOK, resp)
}

// Config returns the redacted effective configuration.
func (h *AdminHandler) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Admin.Summary())
}
