package mcproto

import (
	"bytes"
	"encoding/binary"
)

// WriteVarInt appends a VarInt (Minecraft format) to b
func WriteVarInt(b *bytes.Buffer, value int32) {
	v := uint32(value)
	for {
		temp := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			temp |= 0x80
		}
		b.WriteByte(temp)
		if v == 0 {
			return
		}
	}
}

// WriteString appends a Minecraft length-prefixed string
func WriteString(b *bytes.Buffer, s string) {
	WriteVarInt(b, int32(len(s)))
	b.WriteString(s)
}

// BuildPacket builds a framed packet: [length VarInt][packetId VarInt][payload]
func BuildPacket(packetID int32, payload []byte) []byte {
	var b bytes.Buffer
	WriteVarInt(&b, packetID)
	b.Write(payload)

	var framed bytes.Buffer
	WriteVarInt(&framed, int32(b.Len()))
	framed.Write(b.Bytes())
	return framed.Bytes()
}

// BuildHandshake frames a handshake packet from h
func BuildHandshake(h *Handshake) []byte {
	var payload bytes.Buffer
	WriteVarInt(&payload, int32(h.ProtocolVersion))
	WriteString(&payload, h.ServerAddress)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], h.ServerPort)
	payload.Write(portBuf[:])
	WriteVarInt(&payload, int32(h.NextState))
	return BuildPacket(PacketIdHandshake, payload.Bytes())
}

// BuildLoginStart frames a Login Start packet carrying the username
func BuildLoginStart(name string) []byte {
	var payload bytes.Buffer
	WriteString(&payload, name)
	return BuildPacket(PacketIdHandshake, payload.Bytes())
}

// BuildClientIPHeader builds the injected client-IP header an upstream hop
// prefixes to the stream
func BuildClientIPHeader(ip string) []byte {
	var b bytes.Buffer
	b.WriteString(ClientIPMarker)
	b.WriteByte(byte(len(ip)))
	b.WriteString(ip)
	return b.Bytes()
}
