// Package protocol implements the line-oriented command protocol spoken by the
// alarm clock firmware: one "TAG:value" (or "TAG:value1:value2") line per
// command, newline terminated on the wire.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Wire tags recognised by the device.
const (
	TagWiFi       = "WIFI"
	TagOffset     = "OFFSET"
	TagDST        = "DST"
	TagAlarm      = "ALARM"
	TagBrightness = "BRIGHTNESS"
)

var knownTags = map[string]struct{}{
	TagWiFi:       {},
	TagOffset:     {},
	TagDST:        {},
	TagAlarm:      {},
	TagBrightness: {},
}

// Kind identifies which of the six commands a Command carries. ALARM_TIME and
// ALARM_ENABLE share the ALARM tag on the wire.
type Kind int

const (
	KindWiFi Kind = iota + 1
	KindOffset
	KindDST
	KindAlarmTime
	KindAlarmEnable
	KindBrightness
)

func (k Kind) String() string {
	switch k {
	case KindWiFi:
		return "WIFI"
	case KindOffset:
		return "OFFSET"
	case KindDST:
		return "DST"
	case KindAlarmTime:
		return "ALARM_TIME"
	case KindAlarmEnable:
		return "ALARM_ENABLE"
	case KindBrightness:
		return "BRIGHTNESS"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Tag returns the wire tag for the kind.
func (k Kind) Tag() string {
	switch k {
	case KindWiFi:
		return TagWiFi
	case KindOffset:
		return TagOffset
	case KindDST:
		return TagDST
	case KindAlarmTime, KindAlarmEnable:
		return TagAlarm
	case KindBrightness:
		return TagBrightness
	}
	return ""
}

// Command is a single protocol command. Values holds the colon-separated
// fields after the tag, already formatted for the wire.
type Command struct {
	Kind   Kind
	Values []string
}

// String returns the command line without the trailing newline.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Values)+1)
	parts = append(parts, c.Kind.Tag())
	parts = append(parts, c.Values...)
	return strings.Join(parts, ":")
}

// Line returns the command as it goes on the wire, newline included.
func (c Command) Line() []byte {
	return []byte(c.String() + "\n")
}

// Redacted is String with the WiFi password masked, for logs and events.
func (c Command) Redacted() string {
	if c.Kind == KindWiFi && len(c.Values) == 2 {
		return TagWiFi + ":" + c.Values[0] + ":********"
	}
	return c.String()
}

// BuildWiFi formats WIFI:<ssid>:<password>. Colons inside either field are
// sent as-is; the firmware splits on the first two colons only.
func BuildWiFi(ssid, password string) Command {
	return Command{Kind: KindWiFi, Values: []string{ssid, password}}
}

// BuildOffset formats OFFSET:<hours> as a signed decimal.
func BuildOffset(hours int) Command {
	return Command{Kind: KindOffset, Values: []string{strconv.Itoa(hours)}}
}

// BuildDST formats DST:ON or DST:OFF.
func BuildDST(on bool) Command {
	return Command{Kind: KindDST, Values: []string{onOff(on)}}
}

// BuildAlarmTime formats ALARM:<HH:MM>.
func BuildAlarmTime(hhmm string) Command {
	return Command{Kind: KindAlarmTime, Values: []string{hhmm}}
}

// BuildAlarmEnable formats ALARM:ON or ALARM:OFF.
func BuildAlarmEnable(on bool) Command {
	return Command{Kind: KindAlarmEnable, Values: []string{onOff(on)}}
}

// BuildBrightness formats BRIGHTNESS:<level>.
func BuildBrightness(level int) Command {
	return Command{Kind: KindBrightness, Values: []string{strconv.Itoa(level)}}
}

// BuildFullConfig returns the commands that push cfg to the device, in the
// order the firmware expects them. WIFI is included only when both the SSID
// and the password are set.
func BuildFullConfig(cfg ClockConfig) []Command {
	cmds := make([]Command, 0, 6)
	if cfg.WiFiSSID != "" && cfg.WiFiPassword != "" {
		cmds = append(cmds, BuildWiFi(cfg.WiFiSSID, cfg.WiFiPassword))
	}
	cmds = append(cmds,
		BuildOffset(cfg.TimeOffset),
		BuildDST(cfg.DSTEnabled),
		BuildAlarmTime(cfg.AlarmTime),
		BuildAlarmEnable(cfg.AlarmEnabled),
		BuildBrightness(cfg.Brightness),
	)
	return cmds
}

// IsWellFormed reports whether line has at least two colon-separated parts
// and starts with a recognised tag.
func IsWellFormed(line string) bool {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return false
	}
	_, ok := knownTags[parts[0]]
	return ok
}

var alarmTimeShape = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

// ParseCommand turns a raw command line back into a Command. A trailing
// newline is ignored. ALARM lines are told apart by value shape: ON/OFF is an
// enable toggle, HH:MM is a time.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if !IsWellFormed(line) {
		return Command{}, fmt.Errorf("malformed command %q", line)
	}
	tag, rest, _ := strings.Cut(line, ":")

	switch tag {
	case TagWiFi:
		ssid, password, ok := strings.Cut(rest, ":")
		if !ok {
			return Command{}, fmt.Errorf("WIFI needs ssid and password")
		}
		return BuildWiFi(ssid, password), nil

	case TagOffset:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Command{}, fmt.Errorf("OFFSET value %q: %w", rest, err)
		}
		return BuildOffset(n), nil

	case TagDST:
		on, err := parseOnOff(rest)
		if err != nil {
			return Command{}, fmt.Errorf("DST: %w", err)
		}
		return BuildDST(on), nil

	case TagAlarm:
		if rest == "" || alarmTimeShape.MatchString(rest) {
			return BuildAlarmTime(rest), nil
		}
		on, err := parseOnOff(rest)
		if err != nil {
			return Command{}, fmt.Errorf("ALARM value %q is neither HH:MM nor ON/OFF", rest)
		}
		return BuildAlarmEnable(on), nil

	case TagBrightness:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Command{}, fmt.Errorf("BRIGHTNESS value %q: %w", rest, err)
		}
		return BuildBrightness(n), nil
	}
	return Command{}, fmt.Errorf("unknown tag %q", tag)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, fmt.Errorf("want ON or OFF, got %q", s)
}
