package tunnel

import "time"

type EventType string

const (
	EventStart          EventType = "start"
	EventStop           EventType = "stop"
	EventHandshakeReady EventType = "handshake_ready"
	EventPeerRestart    EventType = "peer_restart"
	EventPeerLost       EventType = "peer_lost"
	EventAssocRequest   EventType = "assoc_request"
	EventAssocNew       EventType = "assoc_new"
	EventAssocDie       EventType = "assoc_die"
	EventAssocRemoved   EventType = "assoc_removed"
	EventAssocReplaced  EventType = "assoc_replaced"
	EventAssocWorn      EventType = "assoc_worn"
	EventControlSwap    EventType = "control_swap"
	EventRoundSent      EventType = "round_sent"
	EventRoundAbandoned EventType = "round_abandoned"
	EventRetransmit     EventType = "retransmit"
	EventVerifyFail     EventType = "verify_fail"
	EventDeliver        EventType = "deliver"
	EventWarn           EventType = "warn"
)

type Event struct {
	Time     time.Time
	Tunnel   string
	Instance string
	Peer     string
	Type     EventType
	Fields   map[string]any
}
