package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds serial port parameters.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration // how often the read loop wakes to check for Close
}

// SerialDialer opens serial ports named by Target.Address.
type SerialDialer struct {
	cfg    SerialConfig
	logger *slog.Logger
}

// NewSerialDialer creates a dialer. Zero config values fall back to 115200
// baud and a 100ms read timeout.
func NewSerialDialer(cfg SerialConfig, logger *slog.Logger) *SerialDialer {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &SerialDialer{cfg: cfg, logger: logger.With("component", "link")}
}

// Dial opens the port. Opening an RFCOMM TTY triggers the radio connection
// and can block for several seconds; when ctx ends first the open is
// abandoned and the port closed as soon as it returns.
func (d *SerialDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	if target.Address == "" {
		return nil, fmt.Errorf("serial dial: target %q has no address", target.ID)
	}
	mode := &serial.Mode{
		BaudRate: d.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type openResult struct {
		port serial.Port
		err  error
	}
	ch := make(chan openResult, 1)
	go func() {
		p, err := serial.Open(target.Address, mode)
		ch <- openResult{port: p, err: err}
	}()

	var port serial.Port
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("serial open %s: %w", target.Address, r.err)
		}
		port = r.port
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if err := port.SetReadTimeout(d.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial set read timeout: %w", err)
	}
	// Drop anything the device printed before we were listening.
	_ = port.ResetInputBuffer()

	d.logger.Info("serial port opened", "port", target.Address, "baud", d.cfg.BaudRate)
	return newSerialConn(port, target.Address, d.logger), nil
}

// serialConn is a Conn over an open port with a background read loop that
// accumulates incoming bytes.
type serialConn struct {
	port   io.ReadWriteCloser
	name   string
	logger *slog.Logger

	writeMu sync.Mutex

	bufMu sync.Mutex
	buf   []byte

	errMu sync.Mutex
	err   error

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// maxBuffered caps unread device output; older bytes are dropped first.
const maxBuffered = 64 * 1024

func newSerialConn(port io.ReadWriteCloser, name string, logger *slog.Logger) *serialConn {
	c := &serialConn{
		port:   port,
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *serialConn) readLoop() {
	defer c.wg.Done()

	chunk := make([]byte, 256)
	for {
		n, err := c.port.Read(chunk)
		if n > 0 {
			c.bufMu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			if over := len(c.buf) - maxBuffered; over > 0 {
				c.buf = c.buf[over:]
			}
			c.bufMu.Unlock()
			c.logger.Debug("serial bytes received", "port", c.name, "len", n)
		}
		if err != nil {
			if !c.closing.Load() {
				c.logger.Warn("serial read failed", "port", c.name, "err", err)
				c.setErr(fmt.Errorf("serial read: %w", err))
			}
			c.finish()
			return
		}
		if c.closing.Load() {
			c.finish()
			return
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) {
	if c.closing.Load() {
		return 0, errors.New("serial write: use of closed port")
	}
	c.writeMu.Lock()
	n, err := c.port.Write(p)
	c.writeMu.Unlock()
	if err != nil {
		return n, fmt.Errorf("serial write: %w", err)
	}
	return n, nil
}

func (c *serialConn) Drain() []byte {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	out := c.buf
	c.buf = nil
	return out
}

func (c *serialConn) Done() <-chan struct{} {
	return c.done
}

func (c *serialConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *serialConn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *serialConn) finish() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close closes the port and waits for the read loop to exit.
func (c *serialConn) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}
	err := c.port.Close()
	c.wg.Wait()
	c.finish()
	if err != nil {
		return fmt.Errorf("serial close %s: %w", c.name, err)
	}
	c.logger.Info("serial port closed", "port", c.name)
	return nil
}
