package http

import (
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/logger"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only room state and the client RTC configuration.
type RoomHandler struct {
	registry   ports.RoomRegistry
	iceServers []domain.ICEServer
}

func NewRoomHandler(registry ports.RoomRegistry, iceServers []domain.ICEServer) *RoomHandler {
	return &RoomHandler{
		registry:   registry,
		iceServers: iceServers,
	}
}

func (h *RoomHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/rooms/:id", h.GetRoom)
	api.GET("/rtc-config", h.GetRTCConfig)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	c.Request = c.Request.WithContext(logger.WithRoomID(c.Request.Context(), roomID))

	members, err := h.registry.Members(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		c.Error(toAppError(err).WithContext("room_id", roomID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"members": members,
		"count":   len(members),
	})
}

// GetRTCConfig returns the ICE server list in RTCConfiguration shape.
func (h *RoomHandler) GetRTCConfig(c *gin.Context) {
	servers := h.iceServers
	if servers == nil {
		servers = []domain.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{
		"iceServers": servers,
	})
}
