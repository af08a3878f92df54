package protocol

import (
	"regexp"
	"strings"
)

// Status of a WiFi join attempt as read from device output.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Verdict is the result of classifying accumulated device output.
type Verdict struct {
	Status  Status
	Message string // set when Status is Failed
}

// DefaultWiFiFailure is reported when the device signals failure without an
// ERROR: detail.
const DefaultWiFiFailure = "Unable to connect to WiFi. Please recheck the SSID and password."

var (
	successMarkers = []string{"SUCCESS:", "Connected to"}
	errorMarkers   = []string{"ERROR:", "failed", "Unable to connect"}
	errorDetailRe  = regexp.MustCompile(`ERROR:\s*(.+)`)
)

// ClassifyResponse looks for the firmware's WiFi result markers in text.
// Device output is unframed, so this is substring matching; success markers
// win when both kinds are present.
func ClassifyResponse(text string) Verdict {
	for _, m := range successMarkers {
		if strings.Contains(text, m) {
			return Verdict{Status: Succeeded}
		}
	}
	for _, m := range errorMarkers {
		if strings.Contains(text, m) {
			return Verdict{Status: Failed, Message: errorDetail(text)}
		}
	}
	return Verdict{Status: Pending}
}

func errorDetail(text string) string {
	match := errorDetailRe.FindStringSubmatch(text)
	if match == nil {
		return DefaultWiFiFailure
	}
	msg := strings.TrimSpace(match[1])
	if msg == "" {
		return DefaultWiFiFailure
	}
	return msg
}
