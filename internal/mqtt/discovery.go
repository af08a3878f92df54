//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"clocklink/internal/protocol"
)

// setting turns a <prefix>/<name>/set payload into a command and records
// the new value in cfg.
type setting func(value string, cfg *protocol.ClockConfig) (protocol.Command, error)

var settings = map[string]setting{
	"brightness": func(v string, cfg *protocol.ClockConfig) (protocol.Command, error) {
		n, err := parseNumber(v)
		if err != nil {
			return protocol.Command{}, err
		}
		if err := protocol.ValidateBrightness(n); err != nil {
			return protocol.Command{}, err
		}
		cfg.Brightness = n
		return protocol.BuildBrightness(n), nil
	},
	"offset": func(v string, cfg *protocol.ClockConfig) (protocol.Command, error) {
		n, err := parseNumber(v)
		if err != nil {
			return protocol.Command{}, err
		}
		if err := protocol.ValidateOffset(n); err != nil {
			return protocol.Command{}, err
		}
		cfg.TimeOffset = n
		return protocol.BuildOffset(n), nil
	},
	"dst": func(v string, cfg *protocol.ClockConfig) (protocol.Command, error) {
		on, err := parseSwitch(v)
		if err != nil {
			return protocol.Command{}, err
		}
		cfg.DSTEnabled = on
		return protocol.BuildDST(on), nil
	},
	"alarm": func(v string, cfg *protocol.ClockConfig) (protocol.Command, error) {
		on, err := parseSwitch(v)
		if err != nil {
			return protocol.Command{}, err
		}
		cfg.AlarmEnabled = on
		return protocol.BuildAlarmEnable(on), nil
	},
	"alarm_time": func(v string, cfg *protocol.ClockConfig) (protocol.Command, error) {
		h, m, err := protocol.ParseTime24(v)
		if err != nil {
			return protocol.Command{}, err
		}
		cfg.AlarmTime = protocol.FormatTime24(h, m)
		return protocol.BuildAlarmTime(cfg.AlarmTime), nil
	},
}

func applySetting(name, value string, cfg *protocol.ClockConfig) (protocol.Command, error) {
	fn, ok := settings[name]
	if !ok {
		return protocol.Command{}, fmt.Errorf("unknown setting %q", name)
	}
	return fn(value, cfg)
}

// parseNumber accepts integers and the "3.0" form Home Assistant number
// entities publish.
func parseNumber(v string) (int, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return int(f), nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToUpper(v) {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", v)
}

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/clocklink/alarm/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Min               *int     `json:"min,omitempty"`
	Max               *int     `json:"max,omitempty"`
	Pattern           string   `json:"pattern,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

type entity struct {
	component string
	objectID  string
	name      string
	state     string // topic suffix
	template  string
	command   bool
	configure func(*haDiscovery)
}

func intPtr(n int) *int { return &n }

var clockEntities = []entity{
	{
		component: "binary_sensor", objectID: "link", name: "Link",
		state: "status", template: "{{ 'ON' if value_json.state == 'connected' else 'OFF' }}",
		configure: func(d *haDiscovery) {
			d.DeviceClass = "connectivity"
			d.EntityCategory = "diagnostic"
			d.PayloadOn, d.PayloadOff = "ON", "OFF"
		},
	},
	{
		component: "number", objectID: "brightness", name: "Brightness",
		state: "config", template: "{{ value_json.brightness }}", command: true,
		configure: func(d *haDiscovery) {
			d.Min, d.Max = intPtr(protocol.MinBrightness), intPtr(protocol.MaxBrightness)
			d.Icon = "mdi:brightness-6"
		},
	},
	{
		component: "number", objectID: "offset", name: "UTC offset",
		state: "config", template: "{{ value_json.time_offset }}", command: true,
		configure: func(d *haDiscovery) {
			d.Min, d.Max = intPtr(protocol.MinTimeOffset), intPtr(protocol.MaxTimeOffset)
			d.EntityCategory = "config"
		},
	},
	{
		component: "switch", objectID: "dst", name: "Daylight saving",
		state: "config", template: "{{ 'ON' if value_json.dst_enabled else 'OFF' }}", command: true,
		configure: func(d *haDiscovery) {
			d.PayloadOn, d.PayloadOff = "ON", "OFF"
			d.EntityCategory = "config"
		},
	},
	{
		component: "switch", objectID: "alarm", name: "Alarm",
		state: "config", template: "{{ 'ON' if value_json.alarm_enabled else 'OFF' }}", command: true,
		configure: func(d *haDiscovery) {
			d.PayloadOn, d.PayloadOff = "ON", "OFF"
			d.Icon = "mdi:alarm"
		},
	},
	{
		component: "text", objectID: "alarm_time", name: "Alarm time",
		state: "config", template: "{{ value_json.alarm_time }}", command: true,
		configure: func(d *haDiscovery) {
			d.Pattern = `^([01]?[0-9]|2[0-3]):[0-5][0-9]$`
			d.Icon = "mdi:clock-outline"
		},
	},
}

// buildDiscovery generates HA discovery messages for the clock.
func buildDiscovery(cfg Config) []discoveryMsg {
	nodeID := nodeIdentifier(cfg.ClientID)
	dev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "clocklink",
		Model:        "WiFi LED clock",
		Name:         "Clock",
	}
	avail := cfg.TopicPrefix + "/bridge/state"

	msgs := make([]discoveryMsg, 0, len(clockEntities))
	for _, e := range clockEntities {
		payload := haDiscovery{
			Name:              e.name,
			UniqueID:          nodeID + "_" + e.objectID,
			StateTopic:        cfg.TopicPrefix + "/" + e.state,
			AvailabilityTopic: avail,
			ValueTemplate:     e.template,
			Device:            dev,
		}
		if e.command {
			payload.CommandTopic = cfg.TopicPrefix + "/" + e.objectID + "/set"
		}
		if e.configure != nil {
			e.configure(&payload)
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", cfg.DiscoveryPrefix, e.component, nodeID, e.objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// nodeIdentifier keeps only characters HA accepts in a node ID.
func nodeIdentifier(clientID string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(clientID))
}
