package mcproto

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ReadLegacyHostname extracts the hostname from a legacy 1.6 server list
// ping (0xFE 0x01 0xFA "MC|PingHost" ...) on a best-effort basis. Legacy
// connections are rejected, but the hostname makes the reject log line
// actionable for operators.
func ReadLegacyHostname(buf []byte) (string, bool) {
	// FE 01 FA, short message name length, "MC|PingHost" UTF-16BE
	if len(buf) < 3 || buf[0] != PacketIdLegacyServerListPing || buf[1] != 0x01 || buf[2] != 0xFA {
		return "", false
	}
	offset := 3

	messageNameLen, ok := readShort(buf, &offset)
	if !ok || messageNameLen != 11 {
		return "", false
	}
	messageName, ok := readUTF16BEString(buf, &offset, messageNameLen)
	if !ok || messageName != "MC|PingHost" {
		return "", false
	}

	// short remaining length, byte protocol version
	if _, ok = readShort(buf, &offset); !ok {
		return "", false
	}
	offset++

	hostnameLen, ok := readShort(buf, &offset)
	if !ok {
		return "", false
	}
	hostname, ok := readUTF16BEString(buf, &offset, hostnameLen)
	if !ok {
		return "", false
	}
	return hostname, true
}

func readShort(buf []byte, offset *int) (int, bool) {
	if *offset+2 > len(buf) {
		return 0, false
	}
	value := int(binary.BigEndian.Uint16(buf[*offset : *offset+2]))
	*offset += 2
	return value, true
}

func readUTF16BEString(buf []byte, offset *int, symbolLen int) (string, bool) {
	byteLen := symbolLen * 2
	if *offset+byteLen > len(buf) {
		return "", false
	}
	bsUtf16be := buf[*offset : *offset+byteLen]
	*offset += byteLen

	result, _, err := transform.Bytes(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder(), bsUtf16be)
	if err != nil {
		return "", false
	}
	return string(result), true
}
