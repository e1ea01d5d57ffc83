package client

import (
	"time"

	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/submitq"
	"github.com/axmq/ax/transport"
)

// ConnParam names a recognised ConnSetParam configuration slot.
type ConnParam int

const (
	ParamHost ConnParam = iota
	ParamPort
	ParamInactivityTimeout
	ParamClientID
	ParamUsername
	ParamPassword
	ParamKeepAlive
	ParamWill
	ParamTLSConfig
	ParamCallbacks
	ParamUserArg
	ParamOpenTimeout
	ParamRecvMsg
)

// rxParseState incrementally decodes one inbound fixed header (type,
// flags, remaining-length varint) and then accumulates exactly
// remaining-length body bytes before the full packet is handed off for
// dispatch. Bytes arrive in arbitrary non-blocking chunks, so every
// stage can pause mid-way across reactor iterations.
type rxParseState struct {
	started bool

	typ   encoding.PacketType
	flags byte

	remLen       uint32
	remLenShift  uint
	remLenDone   bool
	remLenNBytes int

	body       []byte
	bodyFilled int
}

func (s *rxParseState) reset() {
	*s = rxParseState{}
}

// Conn represents one TCP (or TLS) session to one broker. It is owned by
// the Client singleton and linked into its connection list when a CONNECT
// is first queued; it leaves the list on disconnect completion, fatal
// socket error, or application close.
type Conn struct {
	client *Client

	transport *transport.Conn // nil sentinel "none" before open

	Host              string
	Port              int
	InactivityTimeout time.Duration
	OpenTimeout       time.Duration

	ClientID string
	Username string
	Password []byte

	KeepAliveSeconds uint16
	Will             *Will
	TLSConfig        *transport.TLSConfig

	Callbacks Callbacks
	UserArg   any

	// rxMsg is the dedicated receive-message buffering inbound
	// publications, per spec.md §3 invariant 3.
	rxMsg *Msg

	// txQueue is this connection's own transmit queue — distinct from the
	// client-wide submission queue — drained strictly head-first by the
	// reactor (invariant 6).
	txQueue *submitq.Queue

	rx rxParseState

	next   *Conn // intrusive link in Client's connection list
	inList bool

	closed bool
}

func newConn(c *Client) *Conn {
	return &Conn{
		client:      c,
		txQueue:     submitq.New(),
		OpenTimeout: 10 * time.Second,
	}
}

// ConnClear resets conn's configuration to its zero state. It is a
// synchronous, caller-thread-only operation — never call it once the
// connection is in the Client's connection list.
func (c *Client) ConnClear(conn *Conn) {
	*conn = *newConn(c)
}

// ConnSetParam sets one recognised configuration parameter. It must be
// called before the connection's first use (ConnOpen / Connect).
func (c *Client) ConnSetParam(conn *Conn, param ConnParam, value any) error {
	if conn == nil {
		return ErrNullPtr
	}

	switch param {
	case ParamHost:
		host, ok := value.(string)
		if !ok {
			return ErrInvalidArg
		}
		conn.Host = host
	case ParamPort:
		port, ok := value.(int)
		if !ok {
			return ErrInvalidArg
		}
		conn.Port = port
	case ParamInactivityTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrInvalidArg
		}
		conn.InactivityTimeout = d
	case ParamClientID:
		id, ok := value.(string)
		if !ok || len(id) > 23 {
			return ErrInvalidArg
		}
		conn.ClientID = id
	case ParamUsername:
		username, ok := value.(string)
		if !ok {
			return ErrInvalidArg
		}
		conn.Username = username
	case ParamPassword:
		password, ok := value.([]byte)
		if !ok {
			return ErrInvalidArg
		}
		conn.Password = password
	case ParamKeepAlive:
		seconds, ok := value.(uint16)
		if !ok {
			return ErrInvalidArg
		}
		conn.KeepAliveSeconds = seconds
	case ParamWill:
		will, ok := value.(*Will)
		if !ok {
			return ErrInvalidArg
		}
		conn.Will = will
	case ParamTLSConfig:
		tlsCfg, ok := value.(*transport.TLSConfig)
		if !ok {
			return ErrInvalidArg
		}
		conn.TLSConfig = tlsCfg
	case ParamCallbacks:
		cb, ok := value.(Callbacks)
		if !ok {
			return ErrInvalidArg
		}
		conn.Callbacks = cb
	case ParamUserArg:
		conn.UserArg = value
	case ParamOpenTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrInvalidArg
		}
		conn.OpenTimeout = d
	case ParamRecvMsg:
		msg, ok := value.(*Msg)
		if !ok {
			return ErrInvalidArg
		}
		msg.Conn = conn
		msg.Type = MsgPublish
		msg.State = StateWaitRx
		conn.rxMsg = msg
	default:
		return ErrInvalidArg
	}

	return nil
}
