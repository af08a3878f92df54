package session

import (
	"errors"
	"strings"
)

// sanitizeRules maps fragments of low-level error text (lowercased) to short
// stable phrases. First match wins, so specific fragments come before the
// generic "failed" and "error".
var sanitizeRules = []struct {
	fragment string
	message  string
}{
	{"java.io.ioexception", "Connection failed"},
	{"read failed", "Connection failed"},
	{"connection lost", "Connection lost"},
	{"socket closed", "Connection closed"},
	{"bt socket closed", "Connection closed"},
	{"connection reset", "Connection failed"},
	{"broken pipe", "Connection failed"},
	{"software caused connection abort", "Connection failed"},
	{"socket might closed", "Connection closed"},
	{"unable to start service discovery", "Unable to connect to device"},
	{"connection refused", "Connection failed"},
	{"use of closed", "Connection closed"},
	{"file already closed", "Connection closed"},
	{"input/output error", "Connection failed"},
	{"host is down", "Device not found"},
	{"no such file or directory", "Device not found"},
	{"no such device", "Device not found"},
	{"device or resource busy", "Device busy"},
	{"timeout", "Connection timeout"},
	{"timed out", "Connection timeout"},
	{"deadline exceeded", "Connection timeout"},
	{"permission", "Permission required"},
	{"denied", "Permission denied"},
	{"device not found", "Device not found"},
	{"no device", "No device connected"},
	{"not connected", "Device not connected"},
	{"failed", "Operation failed"},
	{"error", "An error occurred"},
}

// technicalMarkers flag text that looks like a stack dump or internal path.
var technicalMarkers = []string{"java.", "android.", "exception", "stack trace", "goroutine", "panic", ".go:", "/dev/"}

// SanitizeMessage converts any error into a short message fit for a user.
// Raw transport text never passes through unless it is already short and
// plain. Errors of type *Error are already sanitised and returned as is.
func SanitizeMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Error()
	}
	return sanitizeText(err.Error())
}

func sanitizeText(text string) string {
	if strings.TrimSpace(text) == "" {
		return "An unexpected error occurred"
	}
	lower := strings.ToLower(text)
	for _, r := range sanitizeRules {
		if strings.Contains(lower, r.fragment) {
			return r.message
		}
	}
	for _, m := range technicalMarkers {
		if strings.Contains(lower, m) {
			return "Connection failed"
		}
	}
	if len(text) < 50 && !strings.Contains(text, ".") {
		return text
	}
	return "An error occurred. Please try again."
}
