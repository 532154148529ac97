package router // package router defines how HTTP routes are registered for the service

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/stagedoor/realtime/internal/handler"    // REST handlers for the read surface
	"github.com/stagedoor/realtime/internal/middleware" // middleware for JWT admission and rate limiting
	"github.com/stagedoor/realtime/internal/transport"  // websocket endpoint feeding the hub
)

// RegisterRoutes registers routes that do not require authentication on
// the provided Echo instance. Currently it exposes only a health check,
// used by load balancers and monitoring to verify the service is up.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterRealtime registers the websocket endpoint and the REST read
// surface. Everything lives under /v1 behind JWT admission: a socket
// is only upgraded for a caller holding a valid access token, and the
// in-band Authenticate event then establishes the hub session. The
// rate limiter, when non-nil, runs before token verification so
// abusive clients are shed as early as possible.
func RegisterRealtime(e *echo.Echo, ws *transport.Handler, rooms *handler.RoomHandler, jwtSecret string, ratelimit echo.MiddlewareFunc) {
	g := e.Group("/v1")
	if ratelimit != nil {
		g.Use(ratelimit)
	}
	g.Use(middleware.JWTAuth(jwtSecret))

	// The bidirectional event transport. All presence and messaging
	// operations flow through this single endpoint.
	g.GET("/ws", ws.ServeWS)

	// Polling fallback for clients without a live socket: the caller's
	// room list and paged message history. Writes are websocket-only.
	g.GET("/rooms", rooms.ListRooms)
	g.GET("/rooms/:id/messages", rooms.ListMessages)
}
