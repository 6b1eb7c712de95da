package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"zipline/internal/api"
	"zipline/internal/services"
)

const requesterKey = "requester"

// bearerAuth validates "Authorization: Bearer <token>". An empty token
// disables the check.
func bearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if token == "" {
			return next
		}
		return func(c echo.Context) error {
			presented, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized", Code: api.CodeUnauthorized})
			}
			return next(c)
		}
	}
}

// extractRequester stores the X-Requester-ID header on the echo context and
// tags the request context for logging.
func extractRequester() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				ctx = services.WithRequestID(ctx, id)
			}
			if requester := strings.TrimSpace(req.Header.Get(api.RequesterHeader)); requester != "" {
				c.Set(requesterKey, requester)
				ctx = services.WithRequester(ctx, requester)
			}
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// requesterFrom returns the header requester, falling back to the body or
// query value.
func requesterFrom(c echo.Context, fallback string) string {
	if value, ok := c.Get(requesterKey).(string); ok && value != "" {
		return value
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return strings.TrimSpace(c.QueryParam("requester"))
}
