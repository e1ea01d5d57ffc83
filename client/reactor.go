package client

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/transport"
)

// run is the client's single reactor goroutine: it drains exactly one
// submission-queue entry per iteration (invariant 6), then services every
// open connection in error → writable → readable priority order before
// polling again. Everything below this call runs on one goroutine; no
// other code in this package may touch connection or message state once
// a connection is open.
func (c *Client) run() {
	defer close(c.stopped)

	readBuf := make([]byte, 64*1024)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.drainSubmission()

		conns := c.connList()
		if len(conns) == 0 {
			time.Sleep(c.cfg.IdleTick)
			continue
		}

		events, err := transport.Wait(c.poller, c.cfg.ReactorTick)
		if err != nil {
			continue
		}

		ready := make(map[*network.Connection]*network.Event, len(events))
		for _, ev := range events {
			ready[ev.Conn] = ev
		}

		for _, conn := range conns {
			if conn.transport == nil || conn.closed {
				continue
			}
			c.serviceConn(conn, ready[conn.transport.Underlying()], readBuf)
		}
	}
}

// drainSubmission pops at most one entry from the client-wide submission
// queue and either actions it immediately (ReqClose) or links it onto its
// target connection's own transmit queue.
func (c *Client) drainSubmission() {
	e := c.submitq.Pop()
	if e == nil {
		return
	}
	m := e.(*Msg)

	if m.Type == MsgReqClose {
		c.runReqClose(m)
		return
	}

	if m.Type == MsgConnect {
		c.addConn(m.Conn)
	}

	c.metrics.MessageQueued()
	m.Conn.txQueue.Push(m)
}

// runReqClose executes a ConnClose request: fail every queued message,
// close the socket, then release the caller blocked on msg.closeSem.
func (c *Client) runReqClose(m *Msg) {
	conn := m.Conn
	c.failQueuedMessages(conn, ErrConnClosed)
	c.removeConn(conn)
	if conn.transport != nil {
		_ = conn.transport.Close()
		conn.transport = nil
	}
	conn.closed = true
	if m.closeSem != nil {
		close(m.closeSem)
	}
}

// serviceConn drives one connection for one reactor iteration.
func (c *Client) serviceConn(conn *Conn, ev *network.Event, readBuf []byte) {
	if ev != nil && ev.Error != nil {
		c.handleFatal(conn)
		return
	}

	// The receive message's own reply (PUBACK/PUBREC/PUBCOMP) is driven
	// first, ahead of the transmit-queue head (spec.md §4.5): it shares
	// the connection's socket but not the transmit queue, and a short
	// write from buildRxReply needs to be resumed here on a later
	// iteration.
	if conn.rxMsg != nil && conn.rxMsg.State == StateMustTx {
		c.advanceWrite(conn, conn.rxMsg)
		if conn.transport == nil || conn.closed {
			return
		}
	}

	if head, ok := conn.txQueue.Peek().(*Msg); ok && head != nil && head.State == StateMustTx {
		c.advanceWrite(conn, head)
		if conn.transport == nil || conn.closed {
			return
		}
	}

	c.advanceRead(conn, readBuf)
}

// advanceWrite writes as much of msg's remaining buffer as the socket
// will currently accept. A short write re-arms write interest and
// returns; a complete write disarms it and runs the state transition for
// the next leg of the exchange.
func (c *Client) advanceWrite(conn *Conn, msg *Msg) {
	for {
		remaining := msg.Buf[msg.txProgress:msg.TransferLen]
		if len(remaining) > 0 {
			n, err := conn.transport.Send(remaining)
			if err != nil {
				if errors.Is(err, transport.ErrWouldBlock) {
					msg.txProgress += n
					c.metrics.BytesSentInc(n)
					_ = transport.ArmWrite(c.poller, conn.transport)
					return
				}
				c.handleFatal(conn)
				return
			}
			msg.txProgress += n
			c.metrics.BytesSentInc(n)
			if msg.txProgress < msg.TransferLen {
				_ = transport.ArmWrite(c.poller, conn.transport)
				return
			}
		}

		_ = transport.DisarmWrite(c.poller, conn.transport)
		msg.State = StateWaitTxCmpl
		c.metrics.PacketSentInc()
		c.onTxComplete(conn, msg)

		// onTxComplete may rewrite msg back to StateMustTx in place (the
		// PUBREC → PUBREL rewrite): loop to send the new buffer now
		// rather than waiting for the next reactor iteration.
		if msg.State != StateMustTx {
			return
		}
	}
}

// advanceRead drains every byte currently available on conn's socket,
// feeding each into the incremental fixed-header/body parser, until the
// socket reports WouldBlock or a fatal error.
func (c *Client) advanceRead(conn *Conn, buf []byte) {
	for {
		n, err := conn.transport.Recv(buf)
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return
			}
			c.handleFatal(conn)
			return
		}
		if n == 0 {
			return
		}
		c.metrics.BytesReceivedInc(n)
		c.feedBytes(conn, buf[:n])
		if conn.transport == nil || conn.closed {
			return
		}
	}
}

// feedBytes advances conn's rxParseState across data, completing and
// dispatching as many whole packets as data contains.
func (c *Client) feedBytes(conn *Conn, data []byte) {
	i := 0
	rx := &conn.rx

	for i < len(data) {
		if !rx.started {
			b := data[i]
			i++
			rx.started = true
			rx.typ = encoding.PacketType(b >> 4)
			rx.flags = b & 0x0F
			rx.remLen = 0
			rx.remLenShift = 0
			rx.remLenDone = false
			rx.remLenNBytes = 0
			continue
		}

		if !rx.remLenDone {
			b := data[i]
			i++
			rx.remLenNBytes++
			rx.remLen |= uint32(b&0x7F) << rx.remLenShift
			rx.remLenShift += 7

			if b&0x80 == 0 {
				rx.remLenDone = true
				rx.body = make([]byte, rx.remLen)
				rx.bodyFilled = 0
				if rx.remLen == 0 {
					c.completePacket(conn)
					if conn.closed || conn.transport == nil {
						return
					}
				}
			} else if rx.remLenNBytes >= 4 {
				// Variable Byte Integer may never exceed 4 bytes.
				c.handleFatal(conn)
				return
			}
			continue
		}

		need := len(rx.body) - rx.bodyFilled
		avail := len(data) - i
		n := need
		if avail < n {
			n = avail
		}
		copy(rx.body[rx.bodyFilled:], data[i:i+n])
		rx.bodyFilled += n
		i += n

		if rx.bodyFilled == len(rx.body) {
			c.completePacket(conn)
			if conn.closed || conn.transport == nil {
				return
			}
		}
	}
}

// completePacket runs once a whole packet's body has been accumulated:
// it resolves the fixed header's PUBLISH-specific flags, matches the
// packet against the receive-message or the transmit-queue head by type,
// dispatches it, and resets conn.rx for the next packet.
func (c *Client) completePacket(conn *Conn) {
	fh := encoding.FixedHeader{Type: conn.rx.typ, Flags: conn.rx.flags, RemainingLength: conn.rx.remLen}
	body := conn.rx.body

	if fh.Type == encoding.PUBLISH {
		fh.DUP = fh.Flags&0x08 != 0
		fh.QoS = encoding.QoS((fh.Flags & 0x06) >> 1)
		fh.Retain = fh.Flags&0x01 != 0
	}

	conn.rx.reset()
	c.metrics.PacketReceivedInc()

	if conn.rxMsg != nil && fh.Type == conn.rxMsg.Type.wireType() {
		c.handleRxMsgPacket(conn, fh, body)
		return
	}

	if head, ok := conn.txQueue.Peek().(*Msg); ok && head != nil && fh.Type == head.Type.wireType() {
		c.onAckReceived(conn, head, body)
		return
	}
	// No outstanding request expects this packet type; ignore it rather
	// than tearing down an otherwise-healthy connection.
}

// wireType maps a message's current (possibly mutated, see
// onTxComplete) MsgType to the MQTT wire packet type it corresponds to.
func (m MsgType) wireType() encoding.PacketType {
	return encoding.PacketType(m)
}

// handleRxMsgPacket processes a packet matched against the connection's
// dedicated receive message: either a fresh inbound PUBLISH (QoS 0/1/2)
// or, when rxMsg.Type has been mutated to MsgPubrel, the broker's PUBREL
// completing a QoS-2 receive.
func (c *Client) handleRxMsgPacket(conn *Conn, fh encoding.FixedHeader, body []byte) {
	msg := conn.rxMsg

	switch msg.Type {
	case MsgPublish:
		pkt := &encoding.PublishPacket311{}
		if err := pkt.Decode(bytes.NewReader(body), &fh); err != nil {
			c.dispatchError(conn, ErrRx)
			return
		}

		msg.Topic = pkt.TopicName
		// The payload is stored four bytes into msg.Buf; the front of the
		// buffer is left for the PUBACK/PUBREC/PUBCOMP reply that
		// buildRxReply encodes there, so a QoS-2 payload survives until
		// the PUBREL arrives.
		const rxReplyPrefix = 4
		if rxReplyPrefix+len(pkt.Payload) > len(msg.Buf) {
			c.dispatchError(conn, ErrBufOverflow)
			return
		}
		n := copy(msg.Buf[rxReplyPrefix:], pkt.Payload)
		msg.Payload = msg.Buf[rxReplyPrefix : rxReplyPrefix+n]
		msg.PacketID = pkt.PacketID
		msg.QoS = fh.QoS
		msg.Retain = fh.Retain

		switch fh.QoS {
		case encoding.QoS0:
			c.dispatchPublishRx(conn, msg.Topic, msg.Payload, ErrNone)

		case encoding.QoS1:
			c.dispatchPublishRx(conn, msg.Topic, msg.Payload, ErrNone)
			c.buildRxReply(conn, msg, &encoding.PubackPacket311{PacketID: msg.PacketID}, MsgPuback)

		case encoding.QoS2:
			// Publish-received callback fires only after the PUBREL
			// round-trip completes (spec.md §4.5), not here.
			c.buildRxReply(conn, msg, &encoding.PubrecPacket311{PacketID: msg.PacketID}, MsgPubrec)
		}

	case MsgPubrel:
		// Broker's PUBREL completing an inbound QoS-2 publish.
		c.dispatchPublishRx(conn, msg.Topic, msg.Payload, ErrNone)
		c.buildRxReply(conn, msg, &encoding.PubcompPacket311{PacketID: msg.PacketID}, MsgPubcomp)
	}
}

// rxReplyEncoder is satisfied by every ack packet type buildRxReply may
// be asked to encode into the receive message's buffer.
type rxReplyEncoder interface {
	Encode(w io.Writer) error
}

// buildRxReply encodes pkt into msg.Buf's reserved reply prefix (the
// four-byte offset invariant, SPEC_FULL §9) and arms the connection for
// transmission. txType is what msg.Type becomes while the reply itself is
// in flight; onTxComplete carries it the rest of the way once sent.
func (c *Client) buildRxReply(conn *Conn, msg *Msg, pkt rxReplyEncoder, txType MsgType) {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		c.dispatchError(conn, ErrFail)
		return
	}
	if buf.Len() > msg.BufCap {
		c.dispatchError(conn, ErrBufOverflow)
		return
	}

	n := copy(msg.Buf, buf.Bytes())
	msg.Type = txType
	msg.State = StateMustTx
	msg.TransferLen = n
	msg.txProgress = 0

	// The receive message is never linked into txQueue; drive its write
	// directly so the reactor doesn't need a second code path.
	c.advanceWrite(conn, msg)
}
