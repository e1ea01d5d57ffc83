package client

import (
	"context"

	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/idalloc"
	"github.com/axmq/ax/transport"
)

// ConnOpen synchronously dials conn's configured host/port (optionally
// over TLS), observing conn.OpenTimeout, and registers the resulting
// socket with the reactor's poller. The connection is not yet visible to
// the reactor's connection list — per spec.md §3, that happens when its
// CONNECT request is first queued (see Connect below).
func (c *Client) ConnOpen(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrNullPtr
	}
	if conn.Host == "" {
		return ErrInvalidArg
	}

	tc, err := transport.Open(ctx, c.poller, conn.Host, conn.Port, conn.TLSConfig, conn.OpenTimeout)
	if err != nil {
		return ErrSockFail
	}

	if conn.InactivityTimeout > 0 {
		_ = tc.SetKeepAlive(conn.InactivityTimeout)
	}

	conn.transport = tc
	conn.closed = false
	c.metrics.ConnOpened()
	c.logf(logInfo, "connection opened", "client_id", conn.ClientID, "host", conn.Host, "port", conn.Port)
	return nil
}

// ConnClose submits a ReqClose request and blocks until the reactor has
// torn the connection down and failed every message still queued on it
// with ErrConnClosed, per spec.md §8 property 8.
func (c *Client) ConnClose(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrNullPtr
	}
	if conn.transport == nil {
		return nil
	}

	c.logf(logDebug, "close requested", "client_id", conn.ClientID)

	sem := make(chan struct{})
	m := &Msg{Conn: conn, Type: MsgReqClose, State: StateMustTx, closeSem: sem}
	c.submitq.Push(m)

	select {
	case <-sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requireOpen returns ErrInvalidArg when conn has no live socket handle,
// matching spec.md scenario 5: after a fatal transport error (or before
// open), request functions fail synchronously rather than being queued.
func requireOpen(conn *Conn) error {
	if conn == nil {
		return ErrNullPtr
	}
	if conn.transport == nil || conn.closed {
		return ErrInvalidArg
	}
	return nil
}

func requireBuf(msg *Msg) error {
	if msg == nil {
		return ErrNullPtr
	}
	if msg.Buf == nil {
		return ErrNullPtr
	}
	return nil
}

// Connect queues msg as a CONNECT request on conn. This is the point at
// which conn is first linked into the client's connection list
// (spec.md §3).
func (c *Client) Connect(conn *Conn, msg *Msg) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}
	if err := prepareConnect(conn, msg); err != nil {
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}

// Publish queues msg as a PUBLISH request. QoS 1/2 acquires a packet ID
// synchronously on the caller's goroutine; exhaustion is reported
// synchronously and the message is not queued.
func (c *Client) Publish(conn *Conn, msg *Msg, topic string, qos encoding.QoS, retain bool, payload []byte) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}

	var packetID uint16
	if qos != encoding.QoS0 {
		id, err := c.ids.Acquire()
		if err != nil {
			return ErrAlloc
		}
		packetID = id
	}

	if err := preparePublish(msg, topic, qos, retain, payload, packetID); err != nil {
		if packetID != idalloc.None {
			c.ids.Release(packetID)
		}
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}

// Subscribe queues msg as a single-filter SUBSCRIBE request.
func (c *Client) Subscribe(conn *Conn, msg *Msg, topic string, qos encoding.QoS) error {
	return c.SubscribeMult(conn, msg, []string{topic}, []encoding.QoS{qos})
}

// SubscribeMult queues msg as a SUBSCRIBE request covering every
// (topics[i], qoses[i]) pair.
func (c *Client) SubscribeMult(conn *Conn, msg *Msg, topics []string, qoses []encoding.QoS) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}

	packetID, err := c.ids.Acquire()
	if err != nil {
		return ErrAlloc
	}

	if err := prepareSubscribe(msg, topics, qoses, packetID); err != nil {
		c.ids.Release(packetID)
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}

// Unsubscribe queues msg as a single-filter UNSUBSCRIBE request.
func (c *Client) Unsubscribe(conn *Conn, msg *Msg, topic string) error {
	return c.UnsubscribeMult(conn, msg, []string{topic})
}

// UnsubscribeMult queues msg as an UNSUBSCRIBE request covering every
// filter in topics.
func (c *Client) UnsubscribeMult(conn *Conn, msg *Msg, topics []string) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}

	packetID, err := c.ids.Acquire()
	if err != nil {
		return ErrAlloc
	}

	if err := prepareUnsubscribe(msg, topics, packetID); err != nil {
		c.ids.Release(packetID)
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}

// Ping queues msg as a PINGREQ request. The client never emits PINGREQ on
// its own initiative (spec.md §5); this is the only way one is sent.
func (c *Client) Ping(conn *Conn, msg *Msg) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}
	if err := preparePing(msg); err != nil {
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}

// Disconnect queues msg as a DISCONNECT request. Completion of this
// message (spec.md §4.5) fires its own callback, then removes conn from
// the client's connection list, then fails every other message still
// queued on conn with ErrConnClosed and closes its socket.
func (c *Client) Disconnect(conn *Conn, msg *Msg) error {
	if err := requireOpen(conn); err != nil {
		return err
	}
	if err := requireBuf(msg); err != nil {
		return err
	}
	if err := prepareDisconnect(msg); err != nil {
		return err
	}

	msg.Conn = conn
	c.submitq.Push(msg)
	return nil
}
