package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mcloudtw/mc-domain-proxy/mcproto"
	"github.com/sirupsen/logrus"
)

const (
	// initialReadGrace drains bytes already queued on the socket before the
	// idle window is armed.
	initialReadGrace = 5 * time.Millisecond
	// readIdleWindow ends initial-read coalescing once the client has gone
	// quiet. A single TCP read does not always deliver the handshake and
	// login frames written back-to-back by the client.
	readIdleWindow = 250 * time.Millisecond

	dialTimeout = 10 * time.Second

	reasonWriteTimeout = 5 * time.Second
)

const (
	reasonLegacyProtocol     = "Legacy protocol not supported"
	reasonMalformedPacket    = "Malformed handshake"
	reasonUnresolvedPlayer   = "Failed to resolve player identity"
	reasonUnknownDomain      = "Unknown domain"
	reasonFirewallBlocked    = "Connection blocked by firewall"
	reasonBackendUnreachable = "Failed to connect to remote server"
)

// session owns one accepted client connection and everything parsed from
// it. Nothing in here is shared with other sessions.
type session struct {
	connector *Connector

	clientConn net.Conn
	clientAddr net.Addr

	clientIP string
	domain   string
	username string
	uuid     string
	backend  Backend

	recordId   int64
	removeOnce sync.Once

	markerSeen bool
	markerMu   sync.Mutex
}

func (c *Connector) handleConnection(frontendConn net.Conn) {
	c.metrics.ConnectionsFrontend.Add(1)
	//noinspection GoUnhandledErrorResult
	defer frontendConn.Close()

	s := &session{
		connector:  c,
		clientConn: frontendConn,
		clientAddr: frontendConn.RemoteAddr(),
	}

	logrus.
		WithField("client", s.clientAddr).
		Info("Got connection")
	defer logrus.WithField("client", s.clientAddr).Debug("Closing frontend connection")

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	s.run(ctx)
}

func (s *session) run(ctx context.Context) {
	c := s.connector

	initial, err := s.readInitialBytes()
	if err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			Error("Failed to read initial bytes")
		c.metrics.Errors.With("type", "initial_read").Add(1)
		return
	}

	clientIP, rest, err := mcproto.ExtractClientIP(initial)
	if err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			Warn("Connection lacks injected client-IP header")
		c.metrics.Errors.With("type", "missing_header").Add(1)
		s.disconnect(err.Error())
		return
	}
	s.clientIP = clientIP

	if mcproto.ClassifyPacket(rest) == mcproto.ClassLegacy {
		entry := logrus.
			WithField("client", s.clientAddr).
			WithField("clientIp", s.clientIP)
		if hostname, ok := mcproto.ReadLegacyHostname(rest); ok {
			entry = entry.WithField("hostname", hostname)
		}
		entry.Warn("Rejecting legacy protocol connection")
		c.metrics.Errors.With("type", "legacy_protocol").Add(1)
		s.disconnect(reasonLegacyProtocol)
		return
	}

	handshake, residual, err := mcproto.DecodeHandshake(rest)
	if err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			Error("Failed to decode handshake")
		c.metrics.Errors.With("type", "malformed_handshake").Add(1)
		s.disconnect(reasonMalformedPacket)
		return
	}

	logrus.
		WithField("client", s.clientAddr).
		WithField("handshake", handshake).
		Debug("Got handshake")

	// Login Start only follows a nextState=login handshake. Status pings
	// carry no username and that is not a failure.
	if handshake.NextState == mcproto.StateLogin {
		loginStart, loginErr := mcproto.DecodeLoginStart(residual)
		if loginErr != nil {
			logrus.
				WithError(loginErr).
				WithField("client", s.clientAddr).
				Debug("No login start parsed")
		} else {
			s.username = loginStart.Name
		}
	}

	if s.username != "" {
		uuid, resolveErr := c.resolver.Resolve(ctx, s.username)
		if resolveErr != nil {
			logrus.
				WithError(resolveErr).
				WithField("client", s.clientAddr).
				WithField("username", s.username).
				Warn("Player identity could not be resolved")
			c.metrics.IdentityLookups.With("outcome", "unresolved").Add(1)
			c.metrics.Errors.With("type", "unresolved_identity").Add(1)
			s.disconnect(reasonUnresolvedPlayer)
			return
		}
		s.uuid = uuid
		c.metrics.IdentityLookups.With("outcome", "resolved").Add(1)
	}

	backend, domain, exists := c.routes.FindBackendForDomain(handshake.ServerAddress)
	if !exists {
		logrus.
			WithField("client", s.clientAddr).
			WithField("serverAddress", handshake.ServerAddress).
			WithField("domain", domain).
			Warn("Unable to find registered backend")
		c.metrics.Errors.With("type", "missing_backend").Add(1)
		s.disconnect(reasonUnknownDomain)
		return
	}
	s.domain = domain
	s.backend = backend

	blocked, rule, fwErr := c.firewall.Check(ctx, s.domain, s.clientIP, s.username, s.uuid)
	if fwErr != nil {
		// Firewall fetch failure is non-fatal; the session proceeds as if
		// no rules matched.
		logrus.
			WithError(fwErr).
			WithField("client", s.clientAddr).
			WithField("domain", s.domain).
			Warn("Could not fetch firewall rules")
		c.metrics.Errors.With("type", "firewall_fetch").Add(1)
	} else if blocked {
		logrus.
			WithField("client", s.clientAddr).
			WithField("clientIp", s.clientIP).
			WithField("domain", s.domain).
			WithField("rule", rule).
			Info("Connection blocked by firewall")
		c.metrics.FirewallBlocked.With("rule", rule.Type).Add(1)
		s.disconnect(reasonFirewallBlocked)
		return
	}

	logrus.
		WithField("client", s.clientAddr).
		WithField("domain", s.domain).
		WithField("backend", s.backend.Addr()).
		Info("Connecting to backend")

	backendConn, err := net.DialTimeout("tcp", s.backend.Addr(), dialTimeout)
	if err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			WithField("backend", s.backend.Addr()).
			Warn("Unable to connect to backend")
		c.metrics.Errors.With("type", "backend_failed").Add(1)
		s.disconnect(reasonBackendUnreachable)
		return
	}
	//noinspection GoUnhandledErrorResult
	defer backendConn.Close()
	c.metrics.ConnectionsBackend.With("host", s.backend.Host).Add(1)

	s.recordId = c.registry.Insert(&ConnectionRecord{
		ClientIP:    s.clientIP,
		Domain:      s.domain,
		Username:    s.username,
		Uuid:        s.uuid,
		BackendHost: s.backend.Host,
		BackendPort: s.backend.Port,
		clientConn:  s.clientConn,
	})
	defer s.removeRecord()

	c.reporter.ReportConnection(ctx, s.domain, s.username, s.clientIP, s.uuid)

	// The client believes it has already sent these bytes and will not
	// resend them; the replay must complete before any pump starts.
	if _, err = backendConn.Write(rest); err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			Error("Failed to replay initial bytes to backend")
		c.metrics.Errors.With("type", "backend_failed").Add(1)
		return
	}
	logrus.
		WithField("client", s.clientAddr).
		WithField("amount", len(rest)).
		Debug("Replayed initial bytes to backend")

	if err = s.clientConn.SetReadDeadline(noDeadline); err != nil {
		logrus.
			WithError(err).
			WithField("client", s.clientAddr).
			Error("Failed to clear read deadline")
		c.metrics.Errors.With("type", "read_deadline").Add(1)
		return
	}

	c.metrics.ActiveSessions.Add(1)
	defer c.metrics.ActiveSessions.Add(-1)

	s.pumpConnections(ctx, backendConn)
}

// readInitialBytes coalesces the client's opening bytes: the first read is
// bounded by a short grace, and each subsequent read by the idle window.
// An expired deadline ends coalescing; any other socket error fails it.
func (s *session) readInitialBytes() ([]byte, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 4096)
	window := initialReadGrace

	for {
		if err := s.clientConn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return nil, err
		}
		n, err := s.clientConn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			window = readIdleWindow
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return buf, nil
			}
			if err == io.EOF && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
}

// disconnect writes a short diagnostic the Minecraft client surfaces as a
// disconnect reason, then closes.
func (s *session) disconnect(reason string) {
	_ = s.clientConn.SetWriteDeadline(time.Now().Add(reasonWriteTimeout))
	_, _ = s.clientConn.Write([]byte(reason))
	_ = s.clientConn.Close()
}

func (s *session) removeRecord() {
	s.removeOnce.Do(func() {
		s.connector.registry.Remove(s.recordId)
	})
}

type pumpResult struct {
	from string
	err  error
}

func (s *session) pumpConnections(ctx context.Context, backendConn net.Conn) {
	defer logrus.WithField("client", s.clientAddr).Debug("Closing backend connection")

	results := make(chan pumpResult, 2)

	go s.pumpBytes(backendConn, s.clientConn, results, "backend", "frontend")
	go s.pumpBytes(s.clientConn, backendConn, results, "frontend", "backend")

	for finished := 0; finished < 2; finished++ {
		select {
		case result := <-results:
			if result.err == io.EOF {
				// Half-close: flush-and-FIN the opposite side so in-flight
				// bytes in the other direction still drain.
				if result.from == "frontend" {
					closeWrite(backendConn)
				} else {
					closeWrite(s.clientConn)
				}
			} else {
				logrus.WithError(result.err).
					WithField("client", s.clientAddr).
					Error("Error observed on connection relay")
				s.connector.metrics.Errors.With("type", "relay").Add(1)
				_ = s.clientConn.Close()
				_ = backendConn.Close()
				return
			}

		case <-ctx.Done():
			logrus.Debug("Observed context cancellation")
			_ = s.clientConn.Close()
			_ = backendConn.Close()
			return
		}
	}
}

func (s *session) pumpBytes(incoming net.Conn, outgoing net.Conn, results chan<- pumpResult, from, to string) {
	buf := make([]byte, 32*1024)
	var amount int64

	for {
		n, err := incoming.Read(buf)
		if n > 0 {
			s.inspectChunk(buf[:n], from, to)
			if _, werr := outgoing.Write(buf[:n]); werr != nil {
				results <- pumpResult{from: from, err: werr}
				return
			}
			amount += int64(n)
		}
		if err != nil {
			logrus.
				WithField("client", s.clientAddr).
				WithField("amount", amount).
				Infof("Finished relay %s->%s", from, to)
			s.connector.metrics.BytesTransmitted.Add(float64(amount))

			if err == io.EOF {
				results <- pumpResult{from: from, err: io.EOF}
			} else {
				results <- pumpResult{from: from, err: err}
			}
			return
		}
	}
}

// inspectChunk emits one hex dump the first time the configured marker is
// observed in either direction. Purely observational.
func (s *session) inspectChunk(chunk []byte, from, to string) {
	marker := s.connector.debugMarker
	if marker == nil {
		return
	}

	s.markerMu.Lock()
	if s.markerSeen || !bytes.Contains(chunk, marker) {
		s.markerMu.Unlock()
		return
	}
	s.markerSeen = true
	s.markerMu.Unlock()

	logrus.
		WithField("client", s.clientAddr).
		WithField("direction", from+"->"+to).
		Debugf("Marker frame:\n%s", hex.Dump(chunk))
}

func closeWrite(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = conn.Close()
	}
}
