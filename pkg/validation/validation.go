package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxRoomIDLength      = 64
	MaxDisplayNameLength = 64
	MaxChatLength        = 2000
	MaxMeetingIDLength   = 64
	MaxTitleLength       = 200
)

var (
	// RoomIDRegex validates room and meeting id format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", MaxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateDisplayName accepts an empty name; anonymous members are allowed.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 0, MaxDisplayNameLength, "display name")
}

// ValidateChatText validates a chat message body
func ValidateChatText(text string) error {
	if err := ValidateNonEmptyString(text, "message text"); err != nil {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message text contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxChatLength, "message text")
}

// ValidateMeetingID validates a caller supplied meeting ID
func ValidateMeetingID(meetingID string) error {
	if len(meetingID) > MaxMeetingIDLength {
		return fmt.Errorf("meeting ID is too long (max %d characters)", MaxMeetingIDLength)
	}
	if !RoomIDRegex.MatchString(meetingID) {
		return fmt.Errorf("invalid meeting ID format")
	}
	return nil
}

// ValidateMeetingTitle validates meeting title
func ValidateMeetingTitle(title string) error {
	if err := ValidateNonEmptyString(title, "title"); err != nil {
		return err
	}
	return ValidateStringLength(strings.TrimSpace(title), 1, MaxTitleLength, "title")
}

// ValidateMeetingDate validates meeting date
func ValidateMeetingDate(date time.Time) error {
	if date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(urlStr string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(urlStr, scheme) && len(urlStr) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", urlStr)
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
