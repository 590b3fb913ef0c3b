package shared

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// NewSessionID returns the id the transcription backend keys a live session
// on: "live_" followed by the start time in unix milliseconds.
func NewSessionID(now time.Time) string {
	return "live_" + strconv.FormatInt(now.UnixMilli(), 10)
}
