package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
)

type Server struct {
	ctx              context.Context
	config           *Config
	connector        *Connector
	reloadRoutesChan chan struct{}
}

func NewServer(ctx context.Context, config *Config) (*Server, error) {
	metricsBuilder := NewMetricsBuilder(config.MetricsBackend, &config.MetricsBackendConfig)

	if config.Routes.File != "" {
		err := RoutesFileLoader.Load(config.Routes.File, Routes)
		if err != nil {
			return nil, fmt.Errorf("could not load routes file: %w", err)
		}

		if config.Routes.Watch {
			err := RoutesFileLoader.WatchForChanges(ctx, Routes)
			if err != nil {
				return nil, fmt.Errorf("could not watch for changes to routes file: %w", err)
			}
		}
	}

	if config.ConnectionRateLimit < 1 {
		config.ConnectionRateLimit = 1
	}

	metrics := metricsBuilder.BuildConnectorMetrics()

	resolver := NewIdentityResolver()
	firewall := NewFirewallClient(config.Manager.Address, config.Manager.ApiKey)
	reporter := NewManagerReporter(config.Manager.Address, config.Manager.ApiKey)
	if reporter == nil {
		logrus.Info("Manager not configured; connection reporting and firewall checks are disabled")
	}

	connector := NewConnector(ctx, metrics, Routes, Registry, resolver, firewall, reporter)
	connector.UseDebugMarker(config.DebugMarker)

	if config.ReceiveProxyProtocol {
		trustedIpNets := make([]*net.IPNet, 0)
		for _, ip := range config.TrustedProxies {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				return nil, fmt.Errorf("could not parse trusted proxy CIDR block: %w", err)
			}
			trustedIpNets = append(trustedIpNets, ipNet)
		}

		connector.UseReceiveProxyProto(trustedIpNets)
	}

	if config.ApiBinding != "" {
		if config.ApiKey == "" {
			return nil, fmt.Errorf("api key is required when the control plane is enabled")
		}
		NewApiServer(config.ApiKey, Routes, Registry, metrics).Start(config.ApiBinding)
	}

	err := metricsBuilder.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not start metrics reporter: %w", err)
	}

	return &Server{
		ctx:              ctx,
		config:           config,
		connector:        connector,
		reloadRoutesChan: make(chan struct{}),
	}, nil
}

// ReloadRoutes indicates that an external request, such as a SIGHUP,
// is requesting the routes file to be re-read
func (s *Server) ReloadRoutes() {
	s.reloadRoutesChan <- struct{}{}
}

// AcceptConnection provides a way to externally supply a connection to consume.
// Note that this will skip rate limiting.
func (s *Server) AcceptConnection(conn net.Conn) {
	s.connector.AcceptConnection(conn)
}

// Run will run the server until the context is done or a fatal error occurs, so this should be
// in a go routine.
func (s *Server) Run() {
	err := s.connector.StartAcceptingConnections(
		net.JoinHostPort("", strconv.Itoa(s.config.Port)),
		s.config.ConnectionRateLimit,
	)
	if err != nil {
		logrus.WithError(err).Error("Could not start accepting connections")
		return
	}

	for {
		select {
		case <-s.reloadRoutesChan:
			if err := RoutesFileLoader.Reload(Routes); err != nil {
				logrus.WithError(err).
					Error("Could not re-read the routes file")
			}

		case <-s.ctx.Done():
			logrus.Info("Server Stopping. Waiting for connections to complete...")
			s.connector.WaitForConnections()
			logrus.Info("Stopped")
			return
		}
	}
}
