package handler

import (
	"context"  // context with cancellation for DB calls
	"errors"   // sentinel comparisons against the hub taxonomy
	"net/http" // HTTP status codes and primitives
	"strconv"  // query parameter conversion
	"time"     // timeouts for DB calls

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/stagedoor/realtime/internal/hub"        // error taxonomy shared with the repository
	"github.com/stagedoor/realtime/internal/repository" // DB repositories
)

// RoomHandler exposes the REST read surface for clients that poll
// instead of holding a websocket: the caller's room list and paged
// message history. Writes go exclusively through the hub.
type RoomHandler struct {
	Repo *repository.ChatRepo
}

func NewRoomHandler(repo *repository.ChatRepo) *RoomHandler {
	return &RoomHandler{Repo: repo}
}

// ListRooms returns the rooms the authenticated user is a member of.
func (h *RoomHandler) ListRooms(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing identity"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	rooms, err := h.Repo.ListRoomsForUser(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"rooms": rooms})
}

// ListMessages returns a history page for a room. Query parameters
// limit (default 50, max 200) and offset page backwards from the most
// recent message.
func (h *RoomHandler) ListMessages(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing identity"})
	}
	roomID := c.Param("id")
	if roomID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "room id required"})
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// Membership gate: history is only visible to members, same rule
	// the hub enforces for GetHistory.
	rooms, err := h.Repo.ListRoomsForUser(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage unavailable"})
	}
	member := false
	for _, r := range rooms {
		if r.ID == roomID {
			member = true
			break
		}
	}
	if !member {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not a member of this room"})
	}

	msgs, err := h.Repo.ListMessages(ctx, roomID, limit, offset)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "room not found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"room_id":  roomID,
		"messages": msgs,
		"limit":    limit,
		"offset":   offset,
	})
}
