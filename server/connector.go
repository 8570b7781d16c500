package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"
)

var noDeadline time.Time

type Connector struct {
	ctx     context.Context
	metrics *ConnectorMetrics

	routes   IRoutes
	registry IRegistry
	resolver IdentityResolver
	firewall FirewallClient
	reporter *ManagerReporter

	receiveProxyProto bool
	trustedProxyNets  []*net.IPNet
	debugMarker       []byte

	activeConnections sync.WaitGroup
}

func NewConnector(ctx context.Context, metrics *ConnectorMetrics,
	routes IRoutes, registry IRegistry, resolver IdentityResolver,
	firewall FirewallClient, reporter *ManagerReporter) *Connector {

	return &Connector{
		ctx:      ctx,
		metrics:  metrics,
		routes:   routes,
		registry: registry,
		resolver: resolver,
		firewall: firewall,
		reporter: reporter,
	}
}

// UseReceiveProxyProto enables PROXY protocol parsing on accepted
// connections, trusting only the given networks when non-empty.
func (c *Connector) UseReceiveProxyProto(trustedProxyNets []*net.IPNet) {
	c.receiveProxyProto = true
	c.trustedProxyNets = trustedProxyNets
}

// UseDebugMarker arms the splice-time marker diagnostic. Empty disables it.
func (c *Connector) UseDebugMarker(marker string) {
	if marker == "" {
		c.debugMarker = nil
	} else {
		c.debugMarker = []byte(marker)
	}
}

// createProxyProtoPolicy builds a policy that only trusts PROXY headers
// from the configured networks. With no networks configured, all senders
// are trusted.
func (c *Connector) createProxyProtoPolicy() func(upstream net.Addr) (proxyproto.Policy, error) {
	return func(upstream net.Addr) (proxyproto.Policy, error) {
		if len(c.trustedProxyNets) == 0 {
			return proxyproto.USE, nil
		}
		tcpAddr, ok := upstream.(*net.TCPAddr)
		if !ok {
			return proxyproto.IGNORE, nil
		}
		for _, ipNet := range c.trustedProxyNets {
			if ipNet.Contains(tcpAddr.IP) {
				return proxyproto.USE, nil
			}
		}
		return proxyproto.IGNORE, nil
	}
}

func (c *Connector) StartAcceptingConnections(listenAddress string, connRateLimit int) error {
	ln, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return err
	}
	logrus.WithField("listenAddress", listenAddress).Info("Listening for Minecraft client connections")

	if c.receiveProxyProto {
		ln = &proxyproto.Listener{
			Listener: ln,
			Policy:   c.createProxyProtoPolicy(),
		}
		logrus.Info("Receiving PROXY protocol on client connections")
	}

	go c.acceptConnections(ln, connRateLimit)

	return nil
}

func (c *Connector) acceptConnections(ln net.Listener, connRateLimit int) {
	//noinspection GoUnhandledErrorResult
	defer ln.Close()

	bucket := ratelimit.NewBucketWithRate(float64(connRateLimit), int64(connRateLimit*2))

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(bucket.Take(1)):
			conn, err := ln.Accept()
			if err != nil {
				logrus.WithError(err).Error("Failed to accept connection")
			} else {
				c.AcceptConnection(conn)
			}
		}
	}
}

// AcceptConnection spawns a session for an established client connection.
// Note that this will skip rate limiting.
func (c *Connector) AcceptConnection(conn net.Conn) {
	c.activeConnections.Add(1)

	go func() {
		defer c.activeConnections.Done()

		// A session failure must never take down the listener or any
		// other session.
		defer func() {
			if p := recover(); p != nil {
				logrus.
					WithField("client", conn.RemoteAddr()).
					WithField("panic", p).
					Error("Session panicked")
				c.metrics.Errors.With("type", "session_panic").Add(1)
				_ = conn.Close()
			}
		}()

		c.handleConnection(conn)
	}()
}

// WaitForConnections blocks until every live session has torn down.
func (c *Connector) WaitForConnections() {
	c.activeConnections.Wait()
}
