package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Limits enforced by the firmware.
const (
	MinTimeOffset = -12
	MaxTimeOffset = 14

	MinBrightness = 0
	MaxBrightness = 7

	MaxSSIDLength     = 32
	MinPasswordLength = 8
)

// ClockConfig is the full configurable state of the clock as the controller
// knows it.
type ClockConfig struct {
	WiFiSSID     string `json:"wifi_ssid"`
	WiFiPassword string `json:"wifi_password"`
	TimeOffset   int    `json:"time_offset"`
	DSTEnabled   bool   `json:"dst_enabled"`
	AlarmTime    string `json:"alarm_time"`
	AlarmEnabled bool   `json:"alarm_enabled"`
	Brightness   int    `json:"brightness"`
}

// DefaultConfig is what a fresh install starts with (UTC-4, alarm at 07:00
// but disabled, mid brightness).
func DefaultConfig() ClockConfig {
	return ClockConfig{
		TimeOffset:   -4,
		DSTEnabled:   false,
		AlarmTime:    "07:00",
		AlarmEnabled: false,
		Brightness:   5,
	}
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var time24Re = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateSSID requires 1 to 32 characters.
func ValidateSSID(ssid string) error {
	if ssid == "" {
		return &ValidationError{Field: "wifi_ssid", Message: "WiFi SSID is required"}
	}
	if utf8.RuneCountInString(ssid) > MaxSSIDLength {
		return &ValidationError{Field: "wifi_ssid", Message: "WiFi SSID must be 1-32 characters"}
	}
	return nil
}

// ValidatePassword requires at least 8 characters.
func ValidatePassword(password string) error {
	if password == "" {
		return &ValidationError{Field: "wifi_password", Message: "WiFi password is required"}
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return &ValidationError{Field: "wifi_password", Message: "WiFi password must be at least 8 characters"}
	}
	return nil
}

// ValidateOffset checks the UTC offset range.
func ValidateOffset(hours int) error {
	if hours < MinTimeOffset || hours > MaxTimeOffset {
		return &ValidationError{
			Field:   "time_offset",
			Message: fmt.Sprintf("Time offset must be between %d and %d", MinTimeOffset, MaxTimeOffset),
		}
	}
	return nil
}

// ValidateBrightness checks the display brightness range.
func ValidateBrightness(level int) error {
	if level < MinBrightness || level > MaxBrightness {
		return &ValidationError{
			Field:   "brightness",
			Message: fmt.Sprintf("Brightness must be between %d and %d", MinBrightness, MaxBrightness),
		}
	}
	return nil
}

// ValidateAlarmTime checks for a 24-hour HH:MM (or H:MM) time.
func ValidateAlarmTime(hhmm string) error {
	if hhmm == "" {
		return &ValidationError{Field: "alarm_time", Message: "Time is required"}
	}
	if !time24Re.MatchString(hhmm) {
		return &ValidationError{Field: "alarm_time", Message: "Invalid time format. Use HH:MM (24-hour)"}
	}
	return nil
}

// Validate checks every field. WiFi credentials are only checked when at
// least one of them is set, and an empty alarm time means "no alarm".
func (c ClockConfig) Validate() error {
	var errs []error
	if c.WiFiSSID != "" || c.WiFiPassword != "" {
		if err := ValidateSSID(c.WiFiSSID); err != nil {
			errs = append(errs, err)
		}
		if err := ValidatePassword(c.WiFiPassword); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ValidateOffset(c.TimeOffset); err != nil {
		errs = append(errs, err)
	}
	if c.AlarmTime != "" {
		if err := ValidateAlarmTime(c.AlarmTime); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ValidateBrightness(c.Brightness); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FormatTime24 renders hours and minutes as zero-padded HH:MM.
func FormatTime24(hours, minutes int) string {
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}

// ParseTime24 splits a validated HH:MM string.
func ParseTime24(hhmm string) (hours, minutes int, err error) {
	if err := ValidateAlarmTime(hhmm); err != nil {
		return 0, 0, err
	}
	h, m, _ := strings.Cut(hhmm, ":")
	hours, _ = strconv.Atoi(h)
	minutes, _ = strconv.Atoi(m)
	return hours, minutes, nil
}
