// Package sql persists scheduled meetings in SQLite through gorm.
package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the SQLite database at dsn and migrates the meeting schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Meeting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type MeetingRepository struct {
	db *gorm.DB
}

func NewMeetingRepository(db *gorm.DB) ports.MeetingRepository {
	return &MeetingRepository{db: db}
}

const meetingsTable = "meetings"

func (r *MeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "create", meetingsTable)
	defer span.End()
	defer func(start time.Time) {
		tracing.MeasureDuration(ctx, start, "meeting.create")
		if err != nil && !errors.Is(err, domain.ErrMeetingExists) {
			tracing.RecordError(ctx, err)
		}
	}(time.Now())

	var existing domain.Meeting
	err = r.db.WithContext(ctx).Where("meeting_id = ?", meeting.MeetingID).First(&existing).Error
	if err == nil {
		return fmt.Errorf("%w: %s", domain.ErrMeetingExists, meeting.MeetingID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up meeting: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(meeting).Error; err != nil {
		return fmt.Errorf("failed to create meeting: %w", err)
	}
	return nil
}

func (r *MeetingRepository) ListByDate(ctx context.Context) ([]*domain.Meeting, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list", meetingsTable)
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "meeting.list")

	var meetings []*domain.Meeting
	if err := r.db.WithContext(ctx).Order("date asc").Order("id asc").Find(&meetings).Error; err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return meetings, nil
}
