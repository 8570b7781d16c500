package server

type RoutesConfig struct {
	File  string `default:"routes.json" usage:"Path to the json routes [file]; rewritten on every route mutation"`
	Watch bool   `usage:"Watch for external changes to the routes file"`
}

type ManagerConfig struct {
	Address string `usage:"Base URL of the central manager. When unset, firewall checks and connection reporting are disabled"`
	ApiKey  string `usage:"API key presented to the manager. It is recommended to pass as an environment variable"`
}

type Config struct {
	Port                 int      `default:"25565" usage:"The [port] bound to listen for Minecraft client connections"`
	ApiBinding           string   `usage:"The [host:port] bound for servicing control-plane API requests"`
	ApiKey               string   `usage:"API key required on every control-plane request"`
	ConnectionRateLimit  int      `default:"1" usage:"Max number of connections to allow per second"`
	ReceiveProxyProtocol bool     `default:"false" usage:"Receive PROXY protocol on client connections, combine with -trusted-proxies to specify a list of trusted proxies"`
	TrustedProxies       []string `usage:"Comma delimited list of CIDR notation IP blocks to trust when receiving PROXY protocol"`
	MetricsBackend       string   `default:"discard" usage:"Backend to use for metrics exposure/publishing: discard,expvar,influxdb,prometheus"`
	MetricsBackendConfig MetricsBackendConfig
	Manager              ManagerConfig
	Routes               RoutesConfig
	DebugMarker          string `usage:"When set, the first spliced frame containing this literal is hex dumped at debug level"`
	Debug                bool   `usage:"Enable debug logging"`
}
