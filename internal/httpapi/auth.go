package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const apiKeyHeader = "X-API-Key"

// requireAPIKey checks the X-API-Key header when a key hash is configured.
func (s *Server) requireAPIKey() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.apiKeys == nil {
				return next(c)
			}
			key := strings.TrimSpace(c.Request().Header.Get(apiKeyHeader))
			if key == "" || !s.apiKeys.Verify(key) {
				return unauthorizedResponse(c)
			}
			return next(c)
		}
	}
}

func unauthorizedResponse(c echo.Context) error {
	return fail(c, http.StatusUnauthorized, "Valid API key required", nil)
}
