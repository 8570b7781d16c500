package mcproto

import "fmt"

const (
	PacketIdHandshake            = 0x00
	PacketIdPing                 = 0x01
	PacketIdLegacyServerListPing = 0xFE
)

// State is the connection state requested by the handshake's nextState field.
type State int

const (
	StateStatus State = 1
	StateLogin  State = 2
)

// Classification distinguishes modern framed packets from everything else.
type Classification int

const (
	ClassModern Classification = iota
	ClassLegacy
)

type Handshake struct {
	ProtocolVersion int
	ServerAddress   string
	ServerPort      uint16
	NextState       State
}

func (h *Handshake) String() string {
	return fmt.Sprintf("Handshake:[proto=%d, addr=%s, port=%d, nextState=%d]",
		h.ProtocolVersion, h.ServerAddress, h.ServerPort, h.NextState)
}

type LoginStart struct {
	Name string
}
