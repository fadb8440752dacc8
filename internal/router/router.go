package router

import (
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/SimpnicServerTeam/scs-pggate/internal/handlers"
)

// SetupAdminRoutes mounts the admin API. Everything under /admin/v1 except
// login requires a bearer token signed with jwtSecret; a missing or bad
// token gets the one generic 401.
func SetupAdminRoutes(e *echo.Echo, admin *handlers.AdminHandler, jwtSecret string) {
	api := e.Group("/admin/v1")
	api.POST("/login", admin.Login)

	protected := api.Group("", echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(jwtSecret),
		SigningMethod: echojwt.AlgorithmHS256,
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or missing token")
		},
	}))
	protected.GET("/pools", admin.Pools)
	protected.GET("/clients", admin.Clients)
	protected.POST("/users/reload", admin.ReloadUsers)
	protected.GET("/config", admin.Config)
}
