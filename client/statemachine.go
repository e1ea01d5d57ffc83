package client

import (
	"bytes"

	"github.com/axmq/ax/encoding"
)

// prepareConnect encodes msg as a CONNECT packet into conn's rxMsg-free
// buffer and arms it for transmission. Called on the caller's goroutine
// before the message is handed to the submission queue.
func prepareConnect(conn *Conn, msg *Msg) error {
	pkt := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		KeepAlive:       conn.KeepAliveSeconds,
		ClientID:        conn.ClientID,
	}

	if conn.Will != nil {
		pkt.WillFlag = true
		pkt.WillQoS = conn.Will.QoS
		pkt.WillRetain = conn.Will.Retain
		pkt.WillTopic = conn.Will.Topic
		pkt.WillPayload = conn.Will.Payload
	}

	if conn.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = conn.Username
	}
	if conn.Password != nil {
		pkt.PasswordFlag = true
		pkt.Password = conn.Password
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return ErrInvalidArg
	}
	if buf.Len() > msg.BufCap {
		return ErrInvalidBufSize
	}

	n := copy(msg.Buf, buf.Bytes())
	msg.Type = MsgConnect
	msg.State = StateMustTx
	msg.TransferLen = n
	return nil
}

// preparePublish encodes a PUBLISH request. QoS ≥ 1 requires a packet ID,
// already acquired by the caller (see api.go Publish).
func preparePublish(msg *Msg, topic string, qos encoding.QoS, retain bool, payload []byte, packetID uint16) error {
	if err := encoding.ValidateTopicName(topic); err != nil {
		return ErrInvalidArg
	}

	pkt := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{QoS: qos, Retain: retain},
		TopicName:   topic,
		PacketID:    packetID,
		Payload:     payload,
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return ErrInvalidArg
	}
	if buf.Len() > msg.BufCap {
		return ErrInvalidBufSize
	}

	n := copy(msg.Buf, buf.Bytes())
	msg.Type = MsgPublish
	msg.State = StateMustTx
	msg.TransferLen = n
	msg.QoS = qos
	msg.PacketID = packetID
	msg.Topic = topic
	msg.Payload = payload
	msg.Retain = retain
	return nil
}

// prepareSubscribe encodes a SUBSCRIBE request over one or more
// (topic-filter, requested-QoS) pairs.
func prepareSubscribe(msg *Msg, topics []string, qoses []encoding.QoS, packetID uint16) error {
	if len(topics) == 0 || len(topics) != len(qoses) {
		return ErrInvalidArg
	}

	subs := make([]encoding.Subscription311, len(topics))
	for i, t := range topics {
		if err := encoding.ValidateTopicFilter(t); err != nil {
			return ErrInvalidArg
		}
		subs[i] = encoding.Subscription311{TopicFilter: t, QoS: qoses[i]}
	}

	pkt := &encoding.SubscribePacket311{PacketID: packetID, Subscriptions: subs}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return ErrInvalidArg
	}
	if buf.Len() > msg.BufCap {
		return ErrInvalidBufSize
	}

	n := copy(msg.Buf, buf.Bytes())
	msg.Type = MsgSubscribe
	msg.State = StateMustTx
	msg.TransferLen = n
	msg.PacketID = packetID
	msg.Topics = topics
	msg.RequestedQoS = qoses

	// msg.BufCap (the caller's original capacity) is never mutated here:
	// the granted-QoS comparison in onAckReceived reads the decoded
	// SUBACK body directly rather than writing a scratch vector ahead of
	// packet bytes inside msg.Buf, so contentOffset stays 0 (SPEC_FULL §9
	// "buffer-length arithmetic for SUBSCRIBE prefix"). Keeping the field
	// lets a future encoder that does reuse the prefix trick record where
	// real packet bytes start without ever touching BufCap.
	msg.contentOffset = 0
	return nil
}

// prepareUnsubscribe encodes an UNSUBSCRIBE request.
func prepareUnsubscribe(msg *Msg, topics []string, packetID uint16) error {
	if len(topics) == 0 {
		return ErrInvalidArg
	}
	for _, t := range topics {
		if err := encoding.ValidateTopicFilter(t); err != nil {
			return ErrInvalidArg
		}
	}

	pkt := &encoding.UnsubscribePacket311{PacketID: packetID, TopicFilters: topics}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return ErrInvalidArg
	}
	if buf.Len() > msg.BufCap {
		return ErrInvalidBufSize
	}

	n := copy(msg.Buf, buf.Bytes())
	msg.Type = MsgUnsubscribe
	msg.State = StateMustTx
	msg.TransferLen = n
	msg.PacketID = packetID
	msg.Topics = topics
	return nil
}

// preparePing encodes a PINGREQ: fixed header only.
func preparePing(msg *Msg) error {
	fh := encoding.FixedHeader{Type: encoding.PINGREQ, RemainingLength: 0}
	if len(msg.Buf) < 2 {
		return ErrInvalidBufSize
	}
	n, err := fh.EncodeFixedHeaderToBytes311(msg.Buf)
	if err != nil {
		return ErrInvalidArg
	}
	msg.Type = MsgPingreq
	msg.State = StateMustTx
	msg.TransferLen = n
	return nil
}

// prepareDisconnect encodes a DISCONNECT: fixed header only.
func prepareDisconnect(msg *Msg) error {
	fh := encoding.FixedHeader{Type: encoding.DISCONNECT, RemainingLength: 0}
	if len(msg.Buf) < 2 {
		return ErrInvalidBufSize
	}
	n, err := fh.EncodeFixedHeaderToBytes311(msg.Buf)
	if err != nil {
		return ErrInvalidArg
	}
	msg.Type = MsgDisconnect
	msg.State = StateMustTx
	msg.TransferLen = n
	return nil
}

// onTxComplete runs once a message's bytes have all been written
// (state == StateWaitTxCmpl). It decides, per spec.md §4.5's "happy path"
// table, whether the message completes immediately or transitions to
// WaitRx for a specific reply type (expressed by mutating msg.Type to the
// expected reply's type, so the inbound matcher in reactor.go can compare
// wire type to queue-head type directly).
func (c *Client) onTxComplete(conn *Conn, msg *Msg) {
	msg.txProgress = 0

	switch msg.Type {
	case MsgConnect:
		msg.Type = MsgConnack
		msg.State = StateWaitRx
		msg.TransferLen = 2 // ack flags + return code

	case MsgPublish:
		switch msg.QoS {
		case encoding.QoS0:
			c.dispatchCompletion(conn, msg, ErrNone)
		case encoding.QoS1:
			msg.Type = MsgPuback
			msg.State = StateWaitRx
			msg.TransferLen = 2
		case encoding.QoS2:
			msg.Type = MsgPubrec
			msg.State = StateWaitRx
			msg.TransferLen = 2
		}

	case MsgPubrel:
		// Rewritten from PUBREC receipt below; now awaiting PUBCOMP.
		msg.Type = MsgPubcomp
		msg.State = StateWaitRx
		msg.TransferLen = 2

	case MsgSubscribe:
		msg.Type = MsgSuback
		msg.State = StateWaitRx
		msg.TransferLen = 2 + len(msg.Topics)

	case MsgUnsubscribe:
		msg.Type = MsgUnsuback
		msg.State = StateWaitRx
		msg.TransferLen = 2

	case MsgPingreq:
		msg.Type = MsgPingresp
		msg.State = StateWaitRx
		msg.TransferLen = 0

	case MsgDisconnect:
		c.completeDisconnect(conn, msg)

	// Receive-message reply legs: PUBACK/PUBREC/PUBCOMP built atop rxMsg.
	case MsgPuback:
		msg.Type = MsgPublish
		msg.State = StateWaitRx

	case MsgPubrec:
		msg.Type = MsgPubrel // awaiting broker's PUBREL
		msg.State = StateWaitRx

	case MsgPubcomp:
		msg.Type = MsgPublish
		msg.State = StateWaitRx
	}
}

// onAckReceived handles a fully-parsed inbound packet matched to msg (the
// transmit-queue head) by type, per spec.md §4.5.
func (c *Client) onAckReceived(conn *Conn, msg *Msg, body []byte) {
	switch msg.Type {
	case MsgConnack:
		ack, _, err := encoding.DecodeConnackPacket311FromBytes(body, &encoding.FixedHeader{Type: encoding.CONNACK})
		if err != nil {
			c.dispatchCompletion(conn, msg, ErrUnexpectedMsg)
			return
		}
		msg.ReturnCode = ack.ReturnCode
		if encoding.ConnackReturnCodeError(ack.ReturnCode) != nil {
			c.metrics.ConnackFailed()
			c.dispatchCompletion(conn, msg, ErrConnackFail)
			return
		}
		c.dispatchCompletion(conn, msg, ErrNone)

	case MsgPuback:
		c.dispatchCompletion(conn, msg, ErrNone)

	case MsgPubrec:
		// PUBREC was received; rewrite the buffer in place as PUBREL and
		// re-arm for transmission using the same packet ID.
		pkt := &encoding.PubrelPacket311{PacketID: msg.PacketID}
		var buf bytes.Buffer
		if err := pkt.Encode(&buf); err != nil {
			c.dispatchCompletion(conn, msg, ErrFail)
			return
		}
		n := copy(msg.Buf, buf.Bytes())
		msg.Type = MsgPubrel
		msg.State = StateMustTx
		msg.TransferLen = n
		msg.txProgress = 0

	case MsgPubcomp:
		c.dispatchCompletion(conn, msg, ErrNone)

	case MsgSuback:
		granted := body[2:]
		msg.GrantedQoS = granted
		err := ErrNone
		for i, want := range msg.RequestedQoS {
			if i >= len(granted) {
				break
			}
			if granted[i] == 0x80 || encoding.QoS(granted[i]) < want {
				err = ErrQosNotGranted
				break
			}
		}
		c.dispatchCompletion(conn, msg, err)

	case MsgUnsuback:
		c.dispatchCompletion(conn, msg, ErrNone)

	case MsgPingresp:
		c.dispatchCompletion(conn, msg, ErrNone)

	default:
		msg.Err = ErrUnexpectedMsg
	}
}

// completeDisconnect runs the connection-close sequence: invoke the
// DISCONNECT callback, remove the connection from the client list, then
// fail every other message still queued on it with ErrConnClosed in FIFO
// order (spec.md §4.5).
func (c *Client) completeDisconnect(conn *Conn, msg *Msg) {
	c.logf(logInfo, "disconnect complete", "client_id", conn.ClientID)
	c.metrics.ConnClosed()
	c.dispatchCompletion(conn, msg, ErrNone)
	c.removeConn(conn)
	c.failQueuedMessages(conn, ErrConnClosed)
	if conn.transport != nil {
		_ = conn.transport.Close()
		conn.transport = nil
	}
	conn.closed = true
}

// failQueuedMessages completes every message remaining in conn's
// transmit queue, in FIFO order, with kind.
func (c *Client) failQueuedMessages(conn *Conn, kind ErrKind) {
	for {
		e := conn.txQueue.Pop()
		if e == nil {
			break
		}
		m := e.(*Msg)
		m.Err = kind
		m.State = StateCmpl
		if m.PacketID != 0 {
			c.ids.Release(m.PacketID)
			m.PacketID = 0
		}
		c.metrics.MessageCompleted()

		if conn.Callbacks.Generic != nil {
			conn.Callbacks.Generic(conn, m, conn.UserArg, kind)
		}
		var specific CompletionFunc
		switch m.logicalOp() {
		case MsgConnect:
			specific = conn.Callbacks.OnConnect
		case MsgPublish:
			specific = conn.Callbacks.OnPublish
		case MsgSubscribe:
			specific = conn.Callbacks.OnSubscribe
		case MsgUnsubscribe:
			specific = conn.Callbacks.OnUnsubscribe
		case MsgPingreq:
			specific = conn.Callbacks.OnPing
		case MsgDisconnect:
			specific = conn.Callbacks.OnDisconnect
		}
		if specific != nil {
			specific(conn, m, conn.UserArg, kind)
		}
	}
}

// handleFatal runs err_remove_conn_close_sock: the connection is removed
// from the client list, its socket closed, every queued message failed
// with ErrConnClosed, and the connection's error callback fires with
// ErrSockFail.
func (c *Client) handleFatal(conn *Conn) {
	c.logf(logWarn, "connection failed fatally", "client_id", conn.ClientID)
	c.metrics.ConnClosed()
	c.metrics.ConnClosedError()
	c.failQueuedMessages(conn, ErrConnClosed)
	c.removeConn(conn)
	if conn.transport != nil {
		_ = conn.transport.Close()
		conn.transport = nil
	}
	conn.closed = true
	c.dispatchError(conn, ErrSockFail)
}
