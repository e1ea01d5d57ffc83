package client

import (
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/submitq"
)

// MsgType is one of the 14 MQTT packet types plus the synthetic ReqClose
// request the submission queue understands.
type MsgType int

const (
	MsgNone        MsgType = MsgType(encoding.Reserved)
	MsgConnect     MsgType = MsgType(encoding.CONNECT)
	MsgConnack     MsgType = MsgType(encoding.CONNACK)
	MsgPublish     MsgType = MsgType(encoding.PUBLISH)
	MsgPuback      MsgType = MsgType(encoding.PUBACK)
	MsgPubrec      MsgType = MsgType(encoding.PUBREC)
	MsgPubrel      MsgType = MsgType(encoding.PUBREL)
	MsgPubcomp     MsgType = MsgType(encoding.PUBCOMP)
	MsgSubscribe   MsgType = MsgType(encoding.SUBSCRIBE)
	MsgSuback      MsgType = MsgType(encoding.SUBACK)
	MsgUnsubscribe MsgType = MsgType(encoding.UNSUBSCRIBE)
	MsgUnsuback    MsgType = MsgType(encoding.UNSUBACK)
	MsgPingreq     MsgType = MsgType(encoding.PINGREQ)
	MsgPingresp    MsgType = MsgType(encoding.PINGRESP)
	MsgDisconnect  MsgType = MsgType(encoding.DISCONNECT)

	// MsgReqClose is synthetic: it never crosses the wire, it only ever
	// rides the submission queue to ask the reactor to tear a connection
	// down.
	MsgReqClose MsgType = MsgType(0xFF)
)

// State is a message's position in the protocol state machine.
type State int

const (
	StateNone State = iota
	StateMustTx
	StateWaitTxCmpl
	StateWaitRx
	StateCmpl
)

// Will is the optional last-will specification attached to a CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool
}

// Msg represents one MQTT operation: either an outbound application
// request or a connection's dedicated inbound-publish slot. Every field
// after Conn is owned by the reactor goroutine once the message has been
// submitted (§5: "the submission operation serving as release/acquire").
type Msg struct {
	Conn *Conn

	Type  MsgType
	State State
	QoS   encoding.QoS

	// PacketID is idalloc.None until a packet ID has been acquired for
	// this message (QoS ≥ 1 PUBLISH, SUBSCRIBE, UNSUBSCRIBE, PINGREQ has
	// none).
	PacketID uint16

	// Buf is the caller-owned buffer used both to stage the outbound
	// packet and, for the receive message, to receive inbound bytes and
	// then be reused in place to encode the PUBACK/PUBREC/PUBCOMP reply.
	Buf    []byte
	BufCap int

	// TransferLen is the current transfer-length target: bytes left to
	// write for a MustTx message, or bytes still expected for a WaitRx
	// message once the target type/length is known.
	TransferLen int

	// txProgress is the octet counter tracking a partial transmit of this
	// message; it strictly increases until equal to TransferLen, then
	// resets to zero for the next leg (invariant 4). Each message tracks
	// its own progress since a connection's transmit-queue head and its
	// dedicated receive message can each have a reply in flight at once.
	txProgress int

	Err ErrKind

	next submitq.Entry // intrusive link, reused across submitq and Conn.txQueue

	// Operation-specific fields.
	Topic        string
	Topics       []string
	Payload      []byte
	Retain       bool
	RequestedQoS []encoding.QoS // SUBSCRIBE: what was asked for, to detect downgrade
	GrantedQoS   []byte         // SUBACK: what the broker granted
	ReturnCode   byte           // CONNACK return code

	// contentOffset marks where real packet bytes begin in Buf when a
	// scratch prefix (e.g. the SUBSCRIBE granted-QoS comparison vector)
	// has been written ahead of them. BufCap itself is never mutated to
	// express this — see SPEC_FULL §9.
	contentOffset int

	// closeSem is the caller's one-shot semaphore for a ReqClose message.
	closeSem chan struct{}
}

func (m *Msg) Next() submitq.Entry {
	return m.next
}

func (m *Msg) SetNext(e submitq.Entry) {
	m.next = e
}

// Clear resets m to its zero operational state, detaching it from any
// connection and queue. Buf/BufCap are preserved since callers typically
// reuse a message's buffer across requests.
func (m *Msg) Clear() {
	buf, bufCap := m.Buf, m.BufCap
	*m = Msg{Buf: buf, BufCap: bufCap}
}

// logicalOp collapses a message's wire type into the operation category
// dispatch.go uses to pick a single Callbacks field, per spec.md §4.7
// ("CONNACK → connect-completion, PUBACK/PUBCOMP → publish-completion,
// SUBACK → subscribe-completion, etc.").
func (m *Msg) logicalOp() MsgType {
	switch m.Type {
	case MsgConnect, MsgConnack:
		return MsgConnect
	case MsgPublish, MsgPuback, MsgPubrec, MsgPubrel, MsgPubcomp:
		return MsgPublish
	case MsgSubscribe, MsgSuback:
		return MsgSubscribe
	case MsgUnsubscribe, MsgUnsuback:
		return MsgUnsubscribe
	case MsgPingreq, MsgPingresp:
		return MsgPingreq
	case MsgDisconnect:
		return MsgDisconnect
	default:
		return m.Type
	}
}
