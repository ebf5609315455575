package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fako1024/btshower"
	"github.com/fako1024/btshower/mqtt"
	"github.com/fako1024/btshower/tinygo"
	"github.com/mcuadros/go-defaults"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Supported BLE backends
const (
	backendGatt   = "gatt"
	backendTinygo = "tinygo"
)

type config struct {
	Device struct {
		Name    string `yaml:"name" default:"KinetronSTFS"`
		Address string `yaml:"address"`
	} `yaml:"device"`

	Backend  string `yaml:"backend" default:"gatt"`
	Adapter  string `yaml:"adapter"` // tinygo only, e.g. hci1
	Channels string `yaml:"channels"`
	LogLevel string `yaml:"log_level" default:"info"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval" default:"5s"`
	RequestHistory bool          `yaml:"request_history"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id" default:"showerlog"`
		TopicPrefix string `yaml:"topic_prefix" default:"showers"`
	} `yaml:"mqtt"`
}

func newConfig() *config {
	cfg := &config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// loadConfig reads a YAML configuration file (if provided) on top of the defaults
func loadConfig(path string) (*config, error) {
	cfg := newConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("failed to read config file `%s`: %w", path, err)
	}
	return cfg, nil
}

func (c *config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return errors.New("either device name or address must be set")
	}
	switch c.Backend {
	case backendGatt, backendTinygo:
	default:
		return fmt.Errorf("unsupported backend `%s` (must be one of %s, %s)", c.Backend, backendGatt, backendTinygo)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if c.ScanTimeout < 0 || c.ConnectTimeout < 0 || c.RetryInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MQTT.Broker != "" {
		if !strings.Contains(c.MQTT.Broker, "://") {
			return fmt.Errorf("invalid MQTT broker `%s` (expected scheme://host:port)", c.MQTT.Broker)
		}
		if c.MQTT.TopicPrefix == "" {
			return errors.New("MQTT topic prefix must not be empty")
		}
	}
	return nil
}

func (c *config) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid log level `%s`: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func (c *config) logger() (*zap.SugaredLogger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}
	return btshower.NewLogger(lvl), nil
}

func (c *config) metadata() (*btshower.MetadataTable, error) {
	if c.Channels == "" {
		return btshower.DefaultMetadataTable(), nil
	}

	f, err := os.Open(c.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel metadata: %w", err)
	}
	defer f.Close()

	return btshower.LoadMetadataTable(f)
}

func (c *config) mqttConfig() mqtt.Config {
	return mqtt.Config{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
	}
}

// newMonitor builds a Monitor for the configured device and backend
func (c *config) newMonitor(logger btshower.Logger, metadata *btshower.MetadataTable, options ...func(*btshower.Monitor)) (*btshower.Monitor, error) {
	opts := []func(*btshower.Monitor){
		btshower.WithDeviceName(c.Device.Name),
		btshower.WithDeviceID(c.Device.Address),
		btshower.WithMetadata(metadata),
		btshower.WithLogger(logger),
	}

	if c.Backend == backendTinygo {
		opts = append(opts, btshower.WithAdapter(tinygo.NewWithAdapter(tinygoAdapter(c.Adapter), metadata, logger)))
	}

	return btshower.New(append(opts, options...)...)
}
