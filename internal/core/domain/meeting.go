package domain

import "time"

// Meeting is a scheduled meeting record. It is independent of live room state.
type Meeting struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	MeetingID string    `json:"meeting_id" gorm:"index"`
	Title     string    `json:"title"`
	Date      time.Time `json:"date" gorm:"index"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
}
