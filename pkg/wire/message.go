// Package wire defines the messages exchanged between a child agent and
// the master coordinator. Both internal/child and internal/master import
// this package and nothing else of each other, so the protocol surface
// stays a single shared schema rather than living inside either endpoint.
package wire

// Kind tags which variant an Envelope carries.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindChildAck
	KindMsgSend
	KindMsgRecv
	KindInitialData
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindChildAck:
		return "child_ack"
	case KindMsgSend:
		return "msg_send"
	case KindMsgRecv:
		return "msg_recv"
	case KindInitialData:
		return "initial_data"
	default:
		return "unknown"
	}
}

// Ping is sent child -> master on every heartbeat tick.
type Ping struct {
	AttemptID int64
}

// ChildAck is sent child -> master once the child is addressable.
type ChildAck struct {
	AttemptID int64
	Address   string
}

// MsgSend is sent child -> master to forward a newly send_id-assigned
// message.
type MsgSend struct {
	SendNode int
	SendID   int64
	RecvNode int
	Payload  []byte
}

// MsgRecv is sent master -> child once a recv_id has been assigned.
type MsgRecv struct {
	RecvID   int64
	RecvNode int
	SendNode int
	Payload  []byte
}

// InitialData is the one-shot bulk bootstrap payload sent master -> child
// when the master accepts the child's child_ack, opaque to the core
// protocol.
type InitialData struct {
	Payload []byte
}

// Envelope is the tagged union carried over pkg/transport. Exactly one of
// the typed fields is populated, selected by Kind.
type Envelope struct {
	Kind Kind

	Ping        *Ping
	ChildAck    *ChildAck
	MsgSend     *MsgSend
	MsgRecv     *MsgRecv
	InitialData *InitialData
}

// WrapPing builds an Envelope carrying a Ping.
func WrapPing(p Ping) Envelope { return Envelope{Kind: KindPing, Ping: &p} }

// WrapChildAck builds an Envelope carrying a ChildAck.
func WrapChildAck(a ChildAck) Envelope { return Envelope{Kind: KindChildAck, ChildAck: &a} }

// WrapMsgSend builds an Envelope carrying a MsgSend.
func WrapMsgSend(m MsgSend) Envelope { return Envelope{Kind: KindMsgSend, MsgSend: &m} }

// WrapMsgRecv builds an Envelope carrying a MsgRecv.
func WrapMsgRecv(m MsgRecv) Envelope { return Envelope{Kind: KindMsgRecv, MsgRecv: &m} }

// WrapInitialData builds an Envelope carrying InitialData.
func WrapInitialData(d InitialData) Envelope { return Envelope{Kind: KindInitialData, InitialData: &d} }
