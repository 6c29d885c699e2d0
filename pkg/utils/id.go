package utils

import (
	"fmt"

	nanoid "github.com/jaevor/go-nanoid"
)

const codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	roomCode    func() string
	meetingCode func() string
	requestID   func() string
)

func init() {
	var err error
	if roomCode, err = nanoid.CustomASCII(codeAlphabet, 10); err != nil {
		panic(fmt.Sprintf("room code generator: %v", err))
	}
	if meetingCode, err = nanoid.CustomASCII(codeAlphabet, 12); err != nil {
		panic(fmt.Sprintf("meeting code generator: %v", err))
	}
	if requestID, err = nanoid.Standard(21); err != nil {
		panic(fmt.Sprintf("request id generator: %v", err))
	}
}

// GenerateRoomCode returns a short shareable room id.
func GenerateRoomCode() string {
	return roomCode()
}

// GenerateMeetingID returns the public id of a scheduled meeting.
func GenerateMeetingID() string {
	return "mtg_" + meetingCode()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + requestID()
}
