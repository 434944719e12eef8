package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ConnectDispatch returns a pre-router middleware that hands CONNECT requests
// to tunnel. CONNECT carries an authority instead of a path, so the router
// cannot match it. A nil tunnel answers CONNECT with 405.
//
// Requests in absolute form without a path are routed as "/".
func ConnectDispatch(tunnel echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodConnect {
				if tunnel == nil {
					c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
					return c.String(http.StatusMethodNotAllowed, "Method Not Allowed: CONNECT is only served in forward mode")
				}
				return tunnel(c)
			}
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			return next(c)
		}
	}
}
