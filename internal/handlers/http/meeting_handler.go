package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

type MeetingHandler struct {
	meetings ports.MeetingService
}

func NewMeetingHandler(meetings ports.MeetingService) *MeetingHandler {
	return &MeetingHandler{meetings: meetings}
}

func (h *MeetingHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/meetings", h.CreateMeeting)
	api.GET("/meetings", h.ListMeetings)
}

type createMeetingRequest struct {
	MeetingID string    `json:"meeting_id"`
	Title     string    `json:"title" binding:"required"`
	Date      time.Time `json:"date" binding:"required"`
	Creator   string    `json:"creator"`
}

func (h *MeetingHandler) CreateMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	meeting, err := h.meetings.Schedule(c.Request.Context(), ports.ScheduleMeetingRequest{
		MeetingID: req.MeetingID,
		Title:     req.Title,
		Date:      req.Date,
		Creator:   req.Creator,
	})
	if err != nil {
		c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"meeting": meeting,
	})
}

func (h *MeetingHandler) ListMeetings(c *gin.Context) {
	meetings, err := h.meetings.List(c.Request.Context())
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if meetings == nil {
		meetings = []*domain.Meeting{}
	}

	c.JSON(http.StatusOK, gin.H{
		"meetings": meetings,
		"count":    len(meetings),
	})
}
