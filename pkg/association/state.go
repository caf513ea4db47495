package association

import (
	"errors"
	"fmt"
)

var (
	ErrNoMemory           = errors.New("association: out of memory")
	ErrSocket             = errors.New("association: socket error")
	ErrInvalidMode        = errors.New("association: invalid mode")
	ErrInvalidState       = errors.New("association: invalid state")
	ErrUnknownAssociation = errors.New("association: unknown association")
	ErrChainDepleted      = errors.New("association: chain depleted")
	ErrRetriesExhausted   = errors.New("association: S1 retries exhausted")
)

type Direction uint8

const (
	Incoming Direction = iota + 1
	Outgoing
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "in"
	case Outgoing:
		return "out"
	case Bidirectional:
		return "bi"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

type HandshakeState uint8

const (
	HandshakeNew HandshakeState = iota
	SentConnectWaitReturn
	SentSynWaitAck
	SentAckWaitAckAck
	HandshakeReady
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNew:
		return "NEW"
	case SentConnectWaitReturn:
		return "SENT_CONNECT_WAIT_RETURN"
	case SentSynWaitAck:
		return "SENT_SYN_WAIT_ACK"
	case SentAckWaitAckAck:
		return "SENT_ACK_WAIT_ACKACK"
	case HandshakeReady:
		return "READY"
	}
	return fmt.Sprintf("handshake(%d)", uint8(s))
}

type SendState uint8

const (
	SendNew SendState = iota
	SentS1WaitA1
	SendReady
)

func (s SendState) String() string {
	switch s {
	case SendNew:
		return "NEW"
	case SentS1WaitA1:
		return "SENT_S1_WAIT_A1"
	case SendReady:
		return "READY"
	}
	return fmt.Sprintf("sending(%d)", uint8(s))
}

type RecvState uint8

const (
	RecvNew RecvState = iota
	SentA1WaitS2
	RecvReady
)

func (s RecvState) String() string {
	switch s {
	case RecvNew:
		return "NEW"
	case SentA1WaitS2:
		return "SENT_A1_WAIT_S2"
	case RecvReady:
		return "READY"
	}
	return fmt.Sprintf("receiving(%d)", uint8(s))
}
