// Package transport is the thin non-blocking socket facade the reactor
// drives: open-by-hostname, close, send, recv, and a poller-backed select,
// built on the teacher's network.Connection and network.Poller.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/axmq/ax/network"
)

// ErrWouldBlock reports that a non-blocking send or recv made no progress;
// the caller should re-arm interest and return to the reactor loop rather
// than treat this as failure.
var ErrWouldBlock = errors.New("transport: would block")

// ErrFatal wraps an unrecoverable transport error. Any error other than
// ErrWouldBlock returned by Send/Recv/Open is fatal: the connection must be
// torn down.
var ErrFatal = errors.New("transport: fatal")

// TLSConfig is the client-side subset of the teacher's network.TLSConfig:
// server verification only, no client certificate requirement, plus the
// ServerName field client dialing needs that a server-side config has no
// use for.
type TLSConfig struct {
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
	MinVersion         uint16
}

func (tc *TLSConfig) build() (*tls.Config, error) {
	if tc == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         tc.ServerName,
		InsecureSkipVerify: tc.InsecureSkipVerify,
		MinVersion:         tc.MinVersion,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("transport: parsing CA certificate: %w", network.ErrInvalidTLSConfig)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// Conn is an open transport handle: one TCP (or TLS) session.
type Conn struct {
	nc         *network.Connection
	poller     network.Poller
	registered bool
}

// Open dials host:port, optionally performing a TLS handshake, and
// registers the resulting connection with poller. It is synchronous and
// observes ctx's deadline, matching the spec's open-timeout contract.
func Open(ctx context.Context, poller network.Poller, host string, port int, tlsCfg *TLSConfig, timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{}

	var netConn net.Conn
	var err error

	if tlsCfg != nil {
		tc, buildErr := tlsCfg.build()
		if buildErr != nil {
			return nil, buildErr
		}
		netConn, err = (&tls.Dialer{NetDialer: dialer, Config: tc}).DialContext(ctx, "tcp", addr)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrFatal, addr, err)
	}

	nc := network.NewConnection(netConn, addr, &network.ConnectionConfig{})

	c := &Conn{nc: nc, poller: poller}
	if poller != nil {
		if err := poller.Add(nc, network.EventRead); err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: registering with poller: %v", ErrFatal, err)
		}
		c.registered = true
	}

	return c, nil
}

// Send writes buf, returning the number of bytes written. When the socket
// buffer is full the write times out at once and Send returns
// ErrWouldBlock together with the count of any bytes it did write; the
// caller should wait for the next writable event.
func (c *Conn) Send(buf []byte) (int, error) {
	n, err := c.nc.TryWrite(buf)
	if err != nil {
		if isTimeout(err) {
			return n, ErrWouldBlock
		}
		return n, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return n, nil
}

// Recv reads into buf. Zero bytes with ErrWouldBlock means no data is
// currently available (RxBufEmpty in the spec's vocabulary), distinct from
// a fatal read error.
func (c *Conn) Recv(buf []byte) (int, error) {
	n, err := c.nc.TryRead(buf)
	if err != nil {
		if isTimeout(err) {
			return n, ErrWouldBlock
		}
		return n, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// SetKeepAlive sets the TCP keep-alive idle interval on the underlying
// socket — the transport-level realization of a connection's inactivity
// timeout. The MQTT protocol keep-alive timer (PINGREQ on demand) is a
// separate, higher-level concern the caller drives explicitly.
func (c *Conn) SetKeepAlive(d time.Duration) error {
	return c.nc.SetKeepAlive(d)
}

// Close tears down the connection and removes it from the poller.
func (c *Conn) Close() error {
	if c.registered && c.poller != nil {
		_ = c.poller.Remove(c.nc)
	}
	return c.nc.Close()
}

// Underlying exposes the wrapped network.Connection for poller
// registration by callers that already hold a *Conn (e.g. arming write
// interest from the reactor).
func (c *Conn) Underlying() *network.Connection {
	return c.nc
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewPoller builds the platform poller (epoll on Linux, kqueue on Darwin,
// a portable fallback elsewhere) the reactor selects on.
func NewPoller(cfg *network.PollerConfig) (network.Poller, error) {
	return network.NewPoller(cfg)
}

// ArmWrite registers write interest for conn in addition to whatever
// interest it already has, the Go analogue of select_abort: it wakes the
// poller's next Wait so a newly write-interested connection is considered
// without waiting out the full per-iteration timeout.
func ArmWrite(poller network.Poller, conn *Conn) error {
	return poller.Modify(conn.nc, network.EventRead|network.EventWrite)
}

// DisarmWrite clears write interest, leaving read interest armed.
func DisarmWrite(poller network.Poller, conn *Conn) error {
	return poller.Modify(conn.nc, network.EventRead)
}

// Wait blocks for up to timeout for readiness on any registered connection.
func Wait(poller network.Poller, timeout time.Duration) ([]*network.Event, error) {
	return poller.Wait(timeout)
}
