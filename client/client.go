// Package client implements a non-blocking, single-reactor-goroutine
// MQTT 3.1.1 client: one background goroutine owns every socket and all
// protocol state; every other goroutine only ever reaches the client
// through the submission queue or a connection's own fields before that
// connection is opened.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axmq/ax/idalloc"
	"github.com/axmq/ax/metrics"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/submitq"
)

// Config configures the single Client instance.
type Config struct {
	// MaxInFlight bounds the number of concurrently outstanding packet
	// IDs (QoS ≥ 1 PUBLISH, SUBSCRIBE, UNSUBSCRIBE). MQTT's wire format
	// allows up to 65535; most deployments need far fewer.
	MaxInFlight int

	// ReactorTick is how long the reactor blocks in its poller Wait call
	// per iteration when at least one connection is registered.
	ReactorTick time.Duration

	// IdleTick is how long the reactor sleeps between iterations when no
	// connection is registered, rather than busy-spinning.
	IdleTick time.Duration

	Logger *logger.SlogLogger

	// Metrics, if non-nil, receives Prometheus counters/gauges for packet
	// and connection activity. Left nil by default so a resource-
	// constrained deployment never pays for instrumentation it didn't ask
	// for.
	Metrics *metrics.Collector
}

func (cfg *Config) setDefaults() {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 256
	}
	if cfg.ReactorTick <= 0 {
		cfg.ReactorTick = time.Millisecond
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = 10 * time.Millisecond
	}
}

// Client is the library's single entry point: one submission queue, one
// packet-ID allocator, one connection list, one reactor goroutine. A
// process is expected to call Init once; a second call is a documented
// no-op returning the existing instance, matching spec.md §3's "Client
// is effectively a singleton."
type Client struct {
	cfg Config

	ids     *idalloc.Allocator
	submitq *submitq.Queue
	poller  network.Poller
	log     *logger.SlogLogger
	metrics *metrics.Collector

	mu       sync.Mutex
	connHead *Conn
	running  bool
	stopCh   chan struct{}
	stopped  chan struct{}
}

var (
	singletonMu sync.Mutex
	singleton   *Client
)

// Init creates (or returns) the process-wide Client singleton and starts
// its reactor goroutine. Calling Init again after a prior successful
// call returns the same instance and cfg is ignored, per spec.md §6.
func Init(cfg Config) (*Client, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		return singleton, nil
	}

	cfg.setDefaults()

	poller, err := network.NewPoller(network.DefaultPollerConfig())
	if err != nil {
		return nil, fmt.Errorf("client: creating poller: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		ids:     idalloc.New(cfg.MaxInFlight),
		submitq: submitq.New(),
		poller:  poller,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}

	singleton = c
	c.running = true
	go c.run()

	if c.log != nil {
		c.log.Info("client started", "max_in_flight", cfg.MaxInFlight, "reactor_tick", cfg.ReactorTick)
	}

	return c, nil
}

// logf is a nil-safe wrapper so call sites need not guard c.log themselves.
func (c *Client) logf(level logLevel, msg string, args ...any) {
	if c.log == nil {
		return
	}
	switch level {
	case logDebug:
		c.log.Debug(msg, args...)
	case logWarn:
		c.log.Warn(msg, args...)
	case logError:
		c.log.Error(msg, args...)
	default:
		c.log.Info(msg, args...)
	}
}

type logLevel int

const (
	logInfo logLevel = iota
	logDebug
	logWarn
	logError
)

// NewConn allocates a connection bound to this client. It is not open,
// and the reactor does not see it until the CONNECT submitted for it is
// drained from the submission queue (see addConn).
func (c *Client) NewConn() *Conn {
	return newConn(c)
}

// addConn links conn into the client's connection list. It is called only
// from the reactor goroutine, by drainSubmission when it dequeues a
// CONNECT for conn; c.mu guards the list itself.
func (c *Client) addConn(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn.inList {
		return
	}
	conn.inList = true
	conn.next = c.connHead
	c.connHead = conn
}

// removeConn unlinks conn from the client's connection list.
func (c *Client) removeConn(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.inList = false

	if c.connHead == conn {
		c.connHead = conn.next
		conn.next = nil
		return
	}
	for n := c.connHead; n != nil; n = n.next {
		if n.next == conn {
			n.next = conn.next
			conn.next = nil
			return
		}
	}
}

func (c *Client) connList() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Conn
	for n := c.connHead; n != nil; n = n.next {
		out = append(out, n)
	}
	return out
}

// MsgParam names a recognised MsgSetParam configuration slot. spec.md §6
// lists exactly two: the buffer pointer and its length — in Go these
// collapse into one slice-valued parameter.
type MsgParam int

const (
	// MsgParamBuf assigns msg's working buffer; value must be a []byte.
	// Its capacity becomes msg.BufCap.
	MsgParamBuf MsgParam = iota
)

// MsgClear resets msg to its zero operational state. Never call this on
// a message still linked into a submission or transmit queue.
func (c *Client) MsgClear(msg *Msg) {
	msg.Clear()
}

// MsgSetParam sets one recognised configuration parameter on msg.
func (c *Client) MsgSetParam(msg *Msg, param MsgParam, value any) error {
	if msg == nil {
		return ErrNullPtr
	}

	switch param {
	case MsgParamBuf:
		buf, ok := value.([]byte)
		if !ok {
			return ErrInvalidArg
		}
		msg.Buf = buf
		msg.BufCap = len(buf)
	default:
		return ErrInvalidArg
	}

	return nil
}

// Close stops the reactor goroutine and waits for it to exit. Intended
// for test teardown and graceful process shutdown; open connections are
// not gracefully disconnected first — call ConnClose for that.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	singletonMu.Lock()
	if singleton == c {
		singleton = nil
	}
	singletonMu.Unlock()

	return c.poller.Close()
}
