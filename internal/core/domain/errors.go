package domain

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrForbidden       = errors.New("operation not permitted")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrSessionClosed   = errors.New("session closed")
	ErrSendBufferFull  = errors.New("session send buffer full")
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingExists   = errors.New("meeting already exists")
	ErrInvalidInput    = errors.New("invalid input")
	ErrLinkNotFound    = errors.New("peer link not found")
)
