//go:build !no_mqtt

// Package mqtt bridges the clock link to an MQTT broker with Home Assistant
// discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"clocklink/internal/protocol"
	"clocklink/internal/provision"
	"clocklink/internal/session"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	sendTimeout    = 10 * time.Second
	// provisionTimeout bounds one wifi/set request; the coordinator's own
	// window is shorter.
	provisionTimeout = 60 * time.Second

	maxCommandLines = 32
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	ClientID        string
	DiscoveryPrefix string // empty disables Home Assistant discovery
}

// Controller is the part of session.Session the bridge drives.
type Controller interface {
	Status() session.ConnectionState
	Send(ctx context.Context, cmd protocol.Command) error
	SendSequence(ctx context.Context, cmds []protocol.Command, delay time.Duration) error
}

// Provisioner pushes WiFi credentials and waits for the verdict.
type Provisioner interface {
	Provision(ctx context.Context, ssid, password string) (provision.Outcome, error)
}

// ConfigStore persists the clock config changed through set topics.
type ConfigStore interface {
	LoadConfig() (protocol.ClockConfig, error)
	SaveConfig(cfg protocol.ClockConfig) error
}

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes link status and provisioning results and accepts raw
// commands, settings and WiFi credentials over MQTT.
type Bridge struct {
	client client
	ctrl   Controller
	prov   Provisioner
	store  ConfigStore
	events *session.EventBus
	cfg    Config
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serialises read-modify-write of the stored config.
	mu sync.Mutex
}

func newBridge(ctrl Controller, prov Provisioner, st ConfigStore, events *session.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "clocklink"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:   ctrl,
		prov:   prov,
		store:  st,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge. The broker keeps
// <prefix>/bridge/state at "offline" as the will.
func NewBridge(ctrl Controller, prov Provisioner, st ConfigStore, events *session.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, prov, st, events, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes offline state, waits for in-flight provisioning and
// disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publish(b.topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

// onConnect runs on every (re)connect: the broker may have lost retained
// state and subscriptions.
func (b *Bridge) onConnect() {
	b.publish(b.topic("bridge/state"), []byte("online"), true)
	b.publishStatus(b.ctrl.Status())
	b.publishConfig()
	if b.cfg.DiscoveryPrefix != "" {
		for _, msg := range buildDiscovery(b.cfg) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "node", b.cfg.ClientID)
	}
	b.subscribe()
}

func (b *Bridge) subscribe() {
	b.client.Subscribe(b.topic("command"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	b.client.Subscribe(b.topic("wifi/set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleWiFi(msg.Payload())
	})
	for name := range settings {
		b.client.Subscribe(b.topic(name+"/set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleSetting(name, msg.Payload())
		})
	}
}

func (b *Bridge) handleEvent(event session.Event) {
	switch event.Type {
	case session.EventStatusChanged:
		if st, ok := event.Data.(session.ConnectionState); ok {
			b.publishStatus(st)
		}
	case session.EventProvisioningResult:
		b.publish(b.topic("provisioning"), mustJSON(event.Data), false)
	case session.EventConfigApplied:
		b.publishConfig()
	case session.EventDeviceOutput:
		if text, ok := event.Data.(string); ok {
			b.publish(b.topic("output"), []byte(text), false)
		}
	}
}

func (b *Bridge) publishStatus(st session.ConnectionState) {
	b.publish(b.topic("status"), mustJSON(st), true)
}

// publishConfig publishes the stored config with the WiFi password removed.
func (b *Bridge) publishConfig() {
	cfg, err := b.store.LoadConfig()
	if err != nil {
		b.logger.Error("load config for publish", "err", err)
		return
	}
	cfg.WiFiPassword = ""
	b.publish(b.topic("config"), mustJSON(cfg), true)
}

// commandResult is published on <prefix>/command/result for every accepted
// or rejected command payload.
type commandResult struct {
	Result  string `json:"result"`
	Applied int    `json:"applied"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// handleCommand sends the raw protocol lines of one payload, one command per
// line. A payload with any malformed line is rejected whole; a failed send
// reports how many lines reached the clock.
func (b *Bridge) handleCommand(payload []byte) {
	var cmds []protocol.Command
	for i, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			b.logger.Warn("rejected MQTT command", "line", i+1, "err", err)
			b.publishCommandResult(commandResult{Result: "error", Message: fmt.Sprintf("invalid command on line %d", i+1)})
			return
		}
		cmds = append(cmds, cmd)
	}
	switch {
	case len(cmds) == 0:
		return
	case len(cmds) > maxCommandLines:
		b.publishCommandResult(commandResult{
			Result:  "error",
			Total:   len(cmds),
			Message: fmt.Sprintf("at most %d commands per message", maxCommandLines),
		})
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, time.Duration(len(cmds))*sendTimeout)
	defer cancel()
	var err error
	if len(cmds) == 1 {
		err = b.ctrl.Send(ctx, cmds[0])
	} else {
		err = b.ctrl.SendSequence(ctx, cmds, 0)
	}

	res := commandResult{Result: "ok", Applied: len(cmds), Total: len(cmds)}
	if err != nil {
		b.logger.Warn("MQTT command failed", "cmd", cmds[0].Redacted(), "count", len(cmds), "err", err)
		res.Result = "error"
		res.Applied = 0
		res.Message = session.SanitizeMessage(err)
		var seqErr *session.SequenceError
		if errors.As(err, &seqErr) {
			res.Applied = seqErr.Applied
		}
	}
	b.publishCommandResult(res)
}

func (b *Bridge) publishCommandResult(res commandResult) {
	b.publish(b.topic("command/result"), mustJSON(res), false)
}

type wifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// provisioningError is published when provisioning could not start.
type provisioningError struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// handleWiFi validates credentials and provisions in the background; the
// outcome arrives on <prefix>/provisioning through the event bus.
func (b *Bridge) handleWiFi(payload []byte) {
	var req wifiRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishProvisioningError("invalid request")
		return
	}
	if err := errors.Join(protocol.ValidateSSID(req.SSID), protocol.ValidatePassword(req.Password)); err != nil {
		b.publishProvisioningError(firstLine(err))
		return
	}
	if b.ctx.Err() != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, provisionTimeout)
		defer cancel()

		out, err := b.prov.Provision(ctx, req.SSID, req.Password)
		if err != nil {
			b.logger.Warn("MQTT provisioning failed", "err", err)
			b.publishProvisioningError(session.SanitizeMessage(err))
			return
		}
		if out.Kind == provision.Success {
			b.updateConfig(func(cfg *protocol.ClockConfig) {
				cfg.WiFiSSID = req.SSID
				cfg.WiFiPassword = req.Password
			})
		}
	}()
}

func (b *Bridge) publishProvisioningError(msg string) {
	b.publish(b.topic("provisioning"), mustJSON(provisioningError{Result: "error", Message: msg}), false)
}

// handleSetting applies one <prefix>/<name>/set payload to the clock and
// stores it once sent.
func (b *Bridge) handleSetting(name string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, err := b.store.LoadConfig()
	if err != nil {
		b.logger.Error("load config", "err", err)
		return
	}
	cmd, err := applySetting(name, strings.TrimSpace(string(payload)), &cfg)
	if err != nil {
		b.logger.Warn("rejected MQTT setting", "setting", name, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()
	if err := b.ctrl.Send(ctx, cmd); err != nil {
		b.logger.Warn("MQTT setting failed", "setting", name, "err", err)
		return
	}
	if err := b.store.SaveConfig(cfg); err != nil {
		b.logger.Error("save config", "err", err)
		return
	}
	b.publishConfig()
}

func (b *Bridge) updateConfig(fn func(*protocol.ClockConfig)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, err := b.store.LoadConfig()
	if err != nil {
		b.logger.Error("load config", "err", err)
		return
	}
	fn(&cfg)
	if err := b.store.SaveConfig(cfg); err != nil {
		b.logger.Error("save config", "err", err)
		return
	}
	b.publishConfig()
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// firstLine returns the first message of a joined validation error.
func firstLine(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
