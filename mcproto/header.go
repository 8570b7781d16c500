package mcproto

import "github.com/pkg/errors"

// ClientIPMarker is the ASCII marker an upstream hop prefixes to the stream
// to carry the real client IP, since the socket peer is not the client.
const ClientIPMarker = "MCIP"

const clientIPHeaderMinLen = len(ClientIPMarker) + 1

var (
	// ErrMissingMarker indicates the stream does not begin with the
	// injected client-IP marker.
	ErrMissingMarker = errors.New("MISSING_MARKER")
	// ErrShortHeader indicates the stream ended inside the injected header.
	ErrShortHeader = errors.New("SHORT_HEADER")
)

// ExtractClientIP strips the injected client-IP header from the front of
// buf, returning the IP literal and the residual slice. The header is
// mandatory for every connection this proxy accepts.
func ExtractClientIP(buf []byte) (string, []byte, error) {
	if len(buf) < len(ClientIPMarker) || string(buf[:len(ClientIPMarker)]) != ClientIPMarker {
		return "", nil, ErrMissingMarker
	}
	if len(buf) < clientIPHeaderMinLen {
		return "", nil, ErrShortHeader
	}
	ipLen := int(buf[len(ClientIPMarker)])
	if len(buf) < clientIPHeaderMinLen+ipLen {
		return "", nil, ErrShortHeader
	}
	ip := string(buf[clientIPHeaderMinLen : clientIPHeaderMinLen+ipLen])
	return ip, buf[clientIPHeaderMinLen+ipLen:], nil
}
