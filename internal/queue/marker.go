package queue

import (
	"encoding/base64"
	"regexp"
	"strconv"
)

// Markers are opaque to callers. Internally a message marker is the last
// delivered sequence number and a queue marker is the last queue name.

func EncodeMessageMarker(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// DecodeMessageMarker returns ok=false for anything that was not produced
// by EncodeMessageMarker.
func DecodeMessageMarker(marker string) (seq int64, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(marker)
	if err != nil {
		return 0, false
	}
	seq, err = strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func EncodeQueueMarker(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func DecodeQueueMarker(marker string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(marker)
	if err != nil || !ValidQueueName(string(raw)) {
		return "", false
	}
	return string(raw), true
}

// Message ids are the decimal form of the driver-assigned sequence.

func FormatMessageID(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// ParseMessageID treats ill-formed ids as absent rather than invalid.
func ParseMessageID(id string) (int64, bool) {
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

const (
	MaxQueueNameLength = 64
	MaxProjectLength   = 256
)

var queueNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func ValidQueueName(name string) bool {
	return len(name) > 0 && len(name) <= MaxQueueNameLength && queueNameRE.MatchString(name)
}
