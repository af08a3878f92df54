// Package provision pushes WiFi credentials to the clock and waits for the
// firmware to report whether it joined the network.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clocklink/internal/protocol"
	"clocklink/internal/session"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 20 * time.Second
)

// Link is the part of session.Session provisioning needs.
type Link interface {
	IsConnected() bool
	Send(ctx context.Context, cmd protocol.Command) error
	ReceiveLine() (string, bool)
}

// OutcomeKind is the terminal result of one provisioning attempt.
type OutcomeKind int

const (
	Success OutcomeKind = iota + 1
	Failure
	Timeout
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome of a provisioning attempt. SSID is set on Success, Message on
// Failure and Timeout.
type Outcome struct {
	Kind    OutcomeKind `json:"result"`
	SSID    string      `json:"ssid,omitempty"`
	Message string      `json:"message,omitempty"`
}

// TimeoutMessage is reported when the device stays silent for the whole window.
const TimeoutMessage = "Connection timeout. The device did not respond."

// ErrInProgress is returned when another attempt still owns the device
// output.
var ErrInProgress = errors.New("WiFi provisioning already in progress")

// Config holds provisioning timing. Zero values take the defaults.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Coordinator runs provisioning attempts over a Link.
type Coordinator struct {
	link   Link
	events *session.EventBus
	clock  session.Clock
	cfg    Config
	logger *slog.Logger

	// busy is held for a whole attempt, from the WIFI send to the outcome.
	busy chan struct{}
}

// New creates a coordinator. events may be nil; clock defaults to the wall clock.
func New(l Link, events *session.EventBus, clock session.Clock, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = session.SystemClock
	}
	return &Coordinator{
		link:   l,
		events: events,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With("component", "provision"),
		busy:   make(chan struct{}, 1),
	}
}

// Provision sends the WIFI command and polls device output until a success
// or error marker shows up or the timeout elapses. A timeout is an Outcome,
// not an error. Errors are returned only when the command cannot be sent,
// the link drops mid-attempt, or ctx ends. Nothing is persisted here.
//
// Only one attempt runs at a time: reads drain the shared device output, so
// a second caller gets ErrInProgress instead of racing for the reply.
func (c *Coordinator) Provision(ctx context.Context, ssid, password string) (Outcome, error) {
	select {
	case c.busy <- struct{}{}:
	default:
		c.logger.Warn("provisioning rejected, attempt in progress", "ssid", ssid)
		return Outcome{}, ErrInProgress
	}
	defer func() { <-c.busy }()

	if !c.link.IsConnected() {
		return Outcome{}, &session.Error{Kind: session.KindNotConnected}
	}

	c.emit(session.EventProvisioningStarted, ssid)
	c.logger.Info("provisioning wifi", "ssid", ssid)

	start := c.clock.Now()
	if err := c.link.Send(ctx, protocol.BuildWiFi(ssid, password)); err != nil {
		return Outcome{}, fmt.Errorf("send wifi credentials: %w", err)
	}

	var acc strings.Builder
	for {
		select {
		case <-c.clock.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}

		if text, ok := c.link.ReceiveLine(); ok {
			acc.WriteString(text)
		}

		v := protocol.ClassifyResponse(acc.String())
		switch v.Status {
		case protocol.Succeeded:
			return c.finish(Outcome{Kind: Success, SSID: ssid}), nil
		case protocol.Failed:
			return c.finish(Outcome{Kind: Failure, Message: v.Message}), nil
		}

		if !c.link.IsConnected() {
			c.logger.Warn("link lost during provisioning", "ssid", ssid)
			return Outcome{}, &session.Error{Kind: session.KindNotConnected, Reason: "Connection lost"}
		}
		if c.clock.Now().Sub(start) >= c.cfg.Timeout {
			return c.finish(Outcome{Kind: Timeout, Message: TimeoutMessage}), nil
		}
	}
}

func (c *Coordinator) finish(o Outcome) Outcome {
	c.logger.Info("provisioning finished", "result", o.Kind, "ssid", o.SSID, "message", o.Message)
	c.emit(session.EventProvisioningResult, o)
	return o
}

func (c *Coordinator) emit(typ string, data any) {
	if c.events != nil {
		c.events.Emit(session.Event{Type: typ, Data: data})
	}
}
