package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	TargetsPath string `envconfig:"TARGETS_PATH" default:"targets.yaml"`
	KeyDir      string `envconfig:"KEY_DIR" default:""`
	LogPath     string `envconfig:"LOG_PATH" default:""`

	// Remote proxy settings. The agent proxy only listens on the remote
	// host's loopback interface, so every request is tunneled.
	ProxyHost string `envconfig:"PROXY_HOST" default:"127.0.0.1"`
	ProxyPort int    `envconfig:"PROXY_PORT" default:"8787"`

	// Connection settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	ReapSchedule      string        `envconfig:"REAP_SCHEDULE" default:"@every 30s"`

	// Pre-attach output backlog limit per channel bridge, in bytes.
	BridgeBacklogBytes int `envconfig:"BRIDGE_BACKLOG_BYTES" default:"1048576"`

	// Diagnostics server. Loopback only; empty disables it.
	DiagAddr string `envconfig:"DIAG_ADDR" default:"127.0.0.1:7477"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CLAWLINK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
