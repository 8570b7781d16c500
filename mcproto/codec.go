package mcproto

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	// ErrShortBuffer indicates the buffer ended before the value was complete.
	ErrShortBuffer = errors.New("buffer ended before value was complete")
	// ErrVarIntTooBig indicates a VarInt was not terminated within 5 bytes.
	ErrVarIntTooBig = errors.New("VarInt is too big")
)

// ReadVarInt decodes a Minecraft VarInt from buf starting at offset and
// returns the value and the number of bytes consumed.
func ReadVarInt(buf []byte, offset int) (int, int, error) {
	result := 0
	numRead := 0
	for {
		if numRead >= 5 {
			return 0, 0, ErrVarIntTooBig
		}
		if offset+numRead >= len(buf) {
			return 0, 0, ErrShortBuffer
		}
		b := buf[offset+numRead]
		result |= int(b&0x7F) << (7 * numRead)
		numRead++
		if b&0x80 == 0 {
			return result, numRead, nil
		}
	}
}

// ReadString decodes a length-prefixed UTF-8 string from buf starting at
// offset and returns the string and the number of bytes consumed.
func ReadString(buf []byte, offset int) (string, int, error) {
	length, lenBytes, err := ReadVarInt(buf, offset)
	if err != nil {
		return "", 0, err
	}
	if length < 0 || offset+lenBytes+length > len(buf) {
		return "", 0, ErrShortBuffer
	}
	raw := buf[offset+lenBytes : offset+lenBytes+length]
	if !utf8.Valid(raw) {
		return "", 0, errors.New("string is not valid UTF-8")
	}
	return string(raw), lenBytes + length, nil
}

// ReadUnsignedShort decodes a big-endian uint16 from buf starting at offset.
func ReadUnsignedShort(buf []byte, offset int) (uint16, int, error) {
	if offset+2 > len(buf) {
		return 0, 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint16(buf[offset : offset+2]), 2, nil
}

// ClassifyPacket determines whether buf starts with a modern framed
// handshake or server list ping. Anything else, notably the legacy 0xFE
// ping, classifies as legacy.
func ClassifyPacket(buf []byte) Classification {
	lengthValue, lenBytes, err := ReadVarInt(buf, 0)
	if err != nil || lengthValue == 0 {
		return ClassLegacy
	}
	packetId, _, err := ReadVarInt(buf, lenBytes)
	if err != nil {
		return ClassLegacy
	}
	if packetId == PacketIdHandshake || packetId == PacketIdPing {
		return ClassModern
	}
	return ClassLegacy
}

// DecodeHandshake decodes the initial handshake packet from buf and returns
// the parsed handshake along with the residual slice positioned immediately
// after the handshake packet.
func DecodeHandshake(buf []byte) (*Handshake, []byte, error) {
	packetLength, lenBytes, err := ReadVarInt(buf, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read packet length")
	}
	if lenBytes+packetLength > len(buf) {
		return nil, nil, ErrShortBuffer
	}

	offset := lenBytes

	packetId, n, err := ReadVarInt(buf, offset)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read packet id")
	}
	if packetId != PacketIdHandshake {
		return nil, nil, errors.Errorf("expected handshake packet ID, got %#x", packetId)
	}
	offset += n

	handshake := &Handshake{}

	handshake.ProtocolVersion, n, err = ReadVarInt(buf, offset)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read protocol version")
	}
	offset += n

	handshake.ServerAddress, n, err = ReadString(buf, offset)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read server address")
	}
	offset += n

	handshake.ServerPort, n, err = ReadUnsignedShort(buf, offset)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read server port")
	}
	offset += n

	nextState, _, err := ReadVarInt(buf, offset)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read next state")
	}
	handshake.NextState = State(nextState)

	return handshake, buf[lenBytes+packetLength:], nil
}

// DecodeLoginStart decodes a Login Start packet from the residual slice
// following the handshake. Trailing fields newer protocol versions append
// after the username are ignored.
func DecodeLoginStart(buf []byte) (*LoginStart, error) {
	packetLength, lenBytes, err := ReadVarInt(buf, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read packet length")
	}
	if lenBytes+packetLength > len(buf) {
		return nil, ErrShortBuffer
	}

	offset := lenBytes

	packetId, n, err := ReadVarInt(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read packet id")
	}
	if packetId != PacketIdHandshake {
		return nil, errors.Errorf("expected login start packet ID, got %#x", packetId)
	}
	offset += n

	loginStart := &LoginStart{}
	loginStart.Name, _, err = ReadString(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read username")
	}

	return loginStart, nil
}
