package client

// CompletionFunc is invoked when a queued request reaches a terminal
// state, whether successfully (err == ErrNone) or not.
type CompletionFunc func(conn *Conn, msg *Msg, userArg any, err ErrKind)

// PublishRxFunc is invoked for every broker-originated publication. topic
// and payload are views into client-owned buffers valid only for the
// duration of the call; the callback must not retain them beyond return.
type PublishRxFunc func(conn *Conn, topic string, payload []byte, userArg any, err ErrKind)

// ErrorFunc is invoked once per connection-level fatal error.
type ErrorFunc func(conn *Conn, userArg any, err ErrKind)

// Callbacks is the Go rendering of spec.md's "interface object carrying
// one method per event plus a catch-all" (§9 Design Notes): nine function
// pointers become nine plain func fields. A nil field is simply not
// invoked.
type Callbacks struct {
	Generic CompletionFunc

	OnConnect     CompletionFunc
	OnPublish     CompletionFunc
	OnSubscribe   CompletionFunc
	OnUnsubscribe CompletionFunc
	OnPing        CompletionFunc
	OnDisconnect  CompletionFunc

	OnPublishRx PublishRxFunc
	OnError     ErrorFunc
}

// dispatchCompletion fires the generic then operation-specific callback
// for msg, in that order, exactly once, after freeing its packet ID and
// unlinking it from its connection's transmit queue — the fixed sequence
// spec.md §4.7 requires of every completion boundary.
func (c *Client) dispatchCompletion(conn *Conn, msg *Msg, err ErrKind) {
	msg.Err = err
	msg.State = StateCmpl

	if msg.PacketID != 0 {
		c.ids.Release(msg.PacketID)
		msg.PacketID = 0
	}

	c.metrics.MessageCompleted()
	c.unlinkTxHead(conn, msg)

	if conn.Callbacks.Generic != nil {
		conn.Callbacks.Generic(conn, msg, conn.UserArg, err)
	}

	var specific CompletionFunc
	switch msg.logicalOp() {
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
		specific(conn, msg, conn.UserArg, err)
	}
}

// dispatchPublishRx invokes the publish-received callback with the topic
// and payload that handleRxMsgPacket decoded from an inbound PUBLISH (the
// payload is a view four bytes into the receive message's buffer).
func (c *Client) dispatchPublishRx(conn *Conn, topic string, payload []byte, err ErrKind) {
	if conn.Callbacks.OnPublishRx != nil {
		conn.Callbacks.OnPublishRx(conn, topic, payload, conn.UserArg, err)
	}
}

// dispatchError fires the connection-level error callback once.
func (c *Client) dispatchError(conn *Conn, err ErrKind) {
	if conn.Callbacks.OnError != nil {
		conn.Callbacks.OnError(conn, conn.UserArg, err)
	}
}

// unlinkTxHead pops the head of conn's transmit queue. It does not check
// that msg is that head; every caller passes the head. The receive message
// is never linked into txQueue so this is a no-op for it.
func (c *Client) unlinkTxHead(conn *Conn, msg *Msg) {
	if msg == conn.rxMsg {
		return
	}
	conn.txQueue.Pop()
}
