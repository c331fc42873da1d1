package agent

import (
	"path/filepath"

	"github.com/neuroplastio/neio-relay/internal/transport"
)

// Config is loaded from relay.yml and overridden by command line flags.
// Live reload only applies to LogLevel and IgnoreVendors, the listening endpoint is bound once.
type Config struct {
	ConfigFile string `json:"-"`

	DataDir   string `json:"dataDir"`
	Transport string `json:"transport"`
	Listen    string `json:"listen"`
	Channel   uint8  `json:"channel"`
	LogLevel  string `json:"logLevel"`

	QueueSize     int   `json:"queueSize,omitempty"`
	IgnoreVendors []int `json:"ignoreVendors,omitempty"`
}

func DefaultConfig(configDir string) Config {
	return Config{
		DataDir:   filepath.Join(configDir, "data"),
		Transport: transport.KindRFCOMM,
		Listen:    "127.0.0.1:5022",
		Channel:   22,
		LogLevel:  "info",
		QueueSize: 64,
	}
}
