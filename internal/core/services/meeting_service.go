package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
)

type MeetingService struct {
	repo   ports.MeetingRepository
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewMeetingService(repo ports.MeetingRepository, logger *zap.SugaredLogger) *MeetingService {
	return &MeetingService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

var _ ports.MeetingService = (*MeetingService)(nil)

// Schedule records a meeting. A missing meeting id is generated.
func (s *MeetingService) Schedule(ctx context.Context, req ports.ScheduleMeetingRequest) (*domain.Meeting, error) {
	title := strings.TrimSpace(req.Title)
	if err := validation.ValidateMeetingTitle(title); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validation.ValidateMeetingDate(req.Date); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	meetingID := strings.TrimSpace(req.MeetingID)
	if meetingID == "" {
		meetingID = utils.GenerateMeetingID()
	} else if err := validation.ValidateMeetingID(meetingID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	meeting := &domain.Meeting{
		MeetingID: meetingID,
		Title:     title,
		Date:      req.Date.UTC(),
		Creator:   utils.TruncateString(utils.SanitizeString(req.Creator), validation.MaxDisplayNameLength),
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, meeting); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}

	s.logger.Infow("meeting scheduled", "meeting_id", meeting.MeetingID, "date", meeting.Date, "creator", meeting.Creator)
	return meeting, nil
}

// List returns all meetings ordered by date.
func (s *MeetingService) List(ctx context.Context) ([]*domain.Meeting, error) {
	meetings, err := s.repo.ListByDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	return meetings, nil
}
