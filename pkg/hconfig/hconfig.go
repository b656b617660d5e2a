// Package hconfig loads the sender daemon's configuration: defaults, an
// optional YAML config file, then command-line flags, each layer
// overriding the one before it.
package hconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the sender CLI surface.
type Config struct {
	LogPath string `yaml:"log_path"`
	LogName string `yaml:"log_name"`
	LogSize int    `yaml:"log_size"`
	Verbose bool   `yaml:"verbose"`
	Onscreen string `yaml:"onscreen"`
	ProcName string `yaml:"procname"`

	ExtIP            string `yaml:"ext_ip"`
	ComPort          int    `yaml:"com_port"`
	Whitelist        []string `yaml:"whitelist"`
	RequestPort      int    `yaml:"request_port"`
	RequestFwPort    int    `yaml:"request_fw_port"`
	ControlPubPort   int    `yaml:"control_pub_port"`
	ControlSubPort   int    `yaml:"control_sub_port"`

	EventDetectorType string   `yaml:"event_detector_type"`
	DataFetcherType   string   `yaml:"data_fetcher_type"`
	FixSubdirs        []string `yaml:"fix_subdirs"`
	MonitoredDir      string   `yaml:"monitored_dir"`
	MonitoredEvents   []string `yaml:"monitored_events"`

	UseDataStream   bool     `yaml:"use_data_stream"`
	DataStreamTarget []string `yaml:"data_stream_target"`
	NumberOfStreams int      `yaml:"number_of_streams"`
	Chunksize       int      `yaml:"chunksize"`
	RouterPort      int      `yaml:"router_port"`
	LocalTarget     string   `yaml:"local_target"`
	StoreData       bool     `yaml:"store_data"`
	RemoveData      string   `yaml:"remove_data"`
	ConfirmAddr     string   `yaml:"confirm_addr"`
}

// Default returns the baseline configuration applied before a config file
// or flags are consulted.
func Default() *Config {
	return &Config{
		LogPath:         "/var/log/hidra",
		LogName:         "hidra-sender.log",
		LogSize:         100,
		Onscreen:        "info",
		ProcName:        "hidra-sender",
		ComPort:         50000,
		RequestPort:     50001,
		RequestFwPort:   50002,
		ControlPubPort:  50005,
		ControlSubPort:  50006,
		EventDetectorType: "inotifyx_events",
		DataFetcherType:   "getfromfile",
		MonitoredEvents:   []string{"IN_CLOSE_WRITE", "IN_MOVED_TO"},
		NumberOfStreams: 1,
		Chunksize:       1048576,
		RouterPort:      50010,
		RemoveData:      "false",
	}
}

// LoadFile merges a YAML config file onto cfg in place. A missing file at
// path is not an error if path is empty; any other open/parse failure is.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// BindFlags registers every sender flag onto fs, bound to cfg's fields
// with cfg's current values as defaults, so parsing writes the command
// line straight into cfg. cmd/hidra-sender then loads the config file and
// re-applies the explicitly set flags over it (applyExplicitFlags).
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.String("config-file", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "directory for rotated log files")
	fs.StringVar(&cfg.LogName, "log-name", cfg.LogName, "log file base name")
	fs.IntVar(&cfg.LogSize, "log-size", cfg.LogSize, "log file rotation size in MB")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug-level logging")
	fs.StringVar(&cfg.Onscreen, "onscreen", cfg.Onscreen, "minimum level logged to every log output (debug, info, warning, error; any other value logs at info)")
	fs.StringVar(&cfg.ProcName, "procname", cfg.ProcName, "process name reported in logs and metrics")

	fs.StringVar(&cfg.ExtIP, "ext-ip", cfg.ExtIP, "externally reachable IP the com/request sockets bind to")
	fs.IntVar(&cfg.ComPort, "com-port", cfg.ComPort, "port of the signal handler's REP com socket")
	fs.StringSliceVar(&cfg.Whitelist, "whitelist", cfg.Whitelist, "hosts allowed to issue control commands")
	fs.IntVar(&cfg.RequestPort, "request-port", cfg.RequestPort, "port of the signal handler's PULL request socket")
	fs.IntVar(&cfg.RequestFwPort, "request-fw-port", cfg.RequestFwPort, "internal request-forwarder port")
	fs.IntVar(&cfg.ControlPubPort, "control-pub-port", cfg.ControlPubPort, "port the supervisor publishes control signals on")
	fs.IntVar(&cfg.ControlSubPort, "control-sub-port", cfg.ControlSubPort, "port workers subscribe to control signals on")

	fs.StringVar(&cfg.EventDetectorType, "event-detector-type", cfg.EventDetectorType, "event detector plugin name")
	fs.StringVar(&cfg.DataFetcherType, "data-fetcher-type", cfg.DataFetcherType, "data fetcher plugin name")
	fs.StringSliceVar(&cfg.FixSubdirs, "fix-subdirs", cfg.FixSubdirs, "subdirectories of monitored-dir watched at startup")
	fs.StringVar(&cfg.MonitoredDir, "monitored-dir", cfg.MonitoredDir, "root directory watched for new files")
	fs.StringSliceVar(&cfg.MonitoredEvents, "monitored-events", cfg.MonitoredEvents, "filesystem event types that trigger dispatch")

	fs.BoolVar(&cfg.UseDataStream, "use-data-stream", cfg.UseDataStream, "push to fixed data-stream targets in addition to registered nodesets")
	fs.StringSliceVar(&cfg.DataStreamTarget, "data-stream-target", cfg.DataStreamTarget, "host:port[:priority] fixed stream targets")
	fs.IntVar(&cfg.NumberOfStreams, "number-of-streams", cfg.NumberOfStreams, "number of dispatcher workers")
	fs.IntVar(&cfg.Chunksize, "chunksize", cfg.Chunksize, "bytes per data chunk")
	fs.IntVar(&cfg.RouterPort, "router-port", cfg.RouterPort, "internal router port between task provider and dispatchers")
	fs.StringVar(&cfg.LocalTarget, "local-target", cfg.LocalTarget, "directory data is moved/copied to when store-data is set")
	fs.BoolVar(&cfg.StoreData, "store-data", cfg.StoreData, "retain a local copy of dispatched files")
	fs.StringVar(&cfg.RemoveData, "remove-data", cfg.RemoveData, "false, true, or with_confirmation")
	fs.StringVar(&cfg.ConfirmAddr, "confirm-addr", cfg.ConfirmAddr, "PUB endpoint the Cleaner subscribes to for with_confirmation deletions")
}

// Validate checks cross-field constraints the flag parser itself cannot
// express, in particular that every --fix-subdirs entry names a directory
// that already exists under --monitored-dir (spec.md §6).
func (c *Config) Validate() error {
	if c.MonitoredDir == "" {
		return fmt.Errorf("monitored-dir is required")
	}
	for _, sub := range c.FixSubdirs {
		full := filepath.Join(c.MonitoredDir, sub)
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("fix-subdirs entry %q: %w", sub, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("fix-subdirs entry %q is not a directory", sub)
		}
	}
	switch c.RemoveData {
	case "true", "false", "with_confirmation":
	default:
		return fmt.Errorf("remove-data must be one of true, false, with_confirmation, got %q", c.RemoveData)
	}
	if c.NumberOfStreams < 1 {
		return fmt.Errorf("number-of-streams must be at least 1")
	}
	return nil
}

// LogLevel maps Verbose/Onscreen into the effective minimum level the
// daemon logs at, matching the precedence --verbose > --onscreen.
func (c *Config) LogLevel() string {
	if c.Verbose {
		return "debug"
	}
	if c.Onscreen == "" {
		return "info"
	}
	return strings.ToLower(c.Onscreen)
}
