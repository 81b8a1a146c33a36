package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models benchline.yml. Every optional pipeline sub-step and peripheral
// artifact is an enumerated named option here; nothing is discovered at runtime.
type Config struct {
	Workbench struct {
		Number int    `yaml:"number"`
		Name   string `yaml:"name"`
	} `yaml:"workbench"`

	Printer struct {
		Enable           bool   `yaml:"enable"`
		GatewayURL       string `yaml:"gateway_url"`
		PrintBarcode     bool   `yaml:"print_barcode"`
		PrintQR          bool   `yaml:"print_qr"`
		PrintSecurityTag bool   `yaml:"print_security_tag"`
		TimestampOnTag   bool   `yaml:"timestamp_on_tag"`
	} `yaml:"printer"`

	Camera struct {
		Enable     bool   `yaml:"enable"`
		GatewayURL string `yaml:"gateway_url"`
		Device     string `yaml:"device"`
	} `yaml:"camera"`

	Peripherals struct {
		AckWait           bool `yaml:"ack_wait"`
		AckTimeoutSeconds int  `yaml:"ack_timeout_seconds"`
	} `yaml:"peripherals"`

	ContentStore struct {
		Enable     bool   `yaml:"enable"`
		GatewayURL string `yaml:"gateway_url"`
		PublicBase string `yaml:"public_base"`
	} `yaml:"content_store"`

	Ledger struct {
		Enable      bool   `yaml:"enable"`
		Endpoint    string `yaml:"endpoint"`
		AccountSeed string `yaml:"account_seed"`
	} `yaml:"ledger"`

	Shortener struct {
		Enable   bool   `yaml:"enable"`
		Server   string `yaml:"server"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"shortener"`

	Anchoring struct {
		Digest         string `yaml:"digest"`
		MaxAttempts    int    `yaml:"max_attempts"`
		BackoffSeconds int    `yaml:"backoff_seconds"`
		PollSeconds    int    `yaml:"poll_seconds"`
		Workers        int    `yaml:"workers"`
	} `yaml:"anchoring"`

	Identity struct {
		RefreshSeconds int `yaml:"refresh_seconds"`
	} `yaml:"identity"`

	API struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Parsing starts
// from the defaults so absent keys keep their documented values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workbench.Number <= 0 {
		return fmt.Errorf("config.workbench.number must be positive")
	}
	if c.Printer.Enable && c.Printer.GatewayURL == "" {
		return fmt.Errorf("config.printer.gateway_url is required when printer is enabled")
	}
	if c.Camera.Enable && c.Camera.GatewayURL == "" {
		return fmt.Errorf("config.camera.gateway_url is required when camera is enabled")
	}
	if c.ContentStore.Enable && c.ContentStore.GatewayURL == "" {
		return fmt.Errorf("config.content_store.gateway_url is required when content store is enabled")
	}
	if c.Ledger.Enable && c.Ledger.Endpoint == "" {
		return fmt.Errorf("config.ledger.endpoint is required when ledger is enabled")
	}
	if c.Shortener.Enable && c.Shortener.Server == "" {
		return fmt.Errorf("config.shortener.server is required when shortener is enabled")
	}
	if c.Anchoring.Digest != "sha256" {
		return fmt.Errorf("config.anchoring.digest: unsupported algorithm %q", c.Anchoring.Digest)
	}
	if c.Anchoring.MaxAttempts <= 0 {
		return fmt.Errorf("config.anchoring.max_attempts must be positive")
	}
	if c.Anchoring.BackoffSeconds <= 0 {
		return fmt.Errorf("config.anchoring.backoff_seconds must be positive")
	}
	if c.Anchoring.Workers <= 0 {
		return fmt.Errorf("config.anchoring.workers must be positive")
	}
	if c.Peripherals.AckWait && c.Peripherals.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("config.peripherals.ack_timeout_seconds must be positive when ack_wait is set")
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "benchline.yml")
}

const defaultTemplate = `workbench:
  number: 1
  name: "assembly bench"

printer:
  enable: false
  gateway_url: ""
  print_barcode: true
  print_qr: true
  print_security_tag: false
  timestamp_on_tag: false

camera:
  enable: false
  gateway_url: ""
  device: ""

peripherals:
  ack_wait: false
  ack_timeout_seconds: 10

content_store:
  enable: false
  gateway_url: ""
  public_base: "https://gateway.ipfs.io/ipfs/"

ledger:
  enable: false
  endpoint: ""
  account_seed: ""

shortener:
  enable: false
  server: ""
  username: ""
  password: ""

anchoring:
  digest: sha256
  max_attempts: 5
  backoff_seconds: 2
  poll_seconds: 5
  workers: 2

identity:
  refresh_seconds: 300

api:
  listen: ":8000"
  base_path: /v0
  jwt_secret: ""

log:
  level: info
`
