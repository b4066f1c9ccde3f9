// Package config loads the YAML configuration of the scp-demo command.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportPCSC = "pcsc"
	TransportUSB  = "usb"
)

// Secure channel protocols the demo can open.
const (
	ProtocolSCP03  = "scp03"
	ProtocolSCP11b = "scp11b"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	APDU      APDUConfig      `yaml:"apdu"`
	SCP       SCPConfig       `yaml:"scp"`
	Log       LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	ReaderIndex int           `yaml:"reader_index"`
	VendorID    uint16        `yaml:"vendor_id"`
	ProductID   uint16        `yaml:"product_id"`
	Timeout     time.Duration `yaml:"timeout"`
}

type APDUConfig struct {
	// Extended selects extended length APDUs. When unset it follows the
	// transport: extended over USB CCID, short over PC/SC.
	Extended *bool `yaml:"extended,omitempty"`
	MaxSize  int   `yaml:"max_size,omitempty"`
	// Chaining sends short commands longer than 255 bytes as a chain.
	Chaining bool `yaml:"chaining"`
}

type SCPConfig struct {
	Protocol   string `yaml:"protocol"`
	KVN        uint8  `yaml:"kvn"`
	KeyHexFile string `yaml:"key_hex_file,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given: PC/SC
// reader 0, short APDUs, SCP03 with the factory key version.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{Kind: TransportPCSC, Timeout: 5 * time.Second},
		SCP:       SCPConfig{Protocol: ProtocolSCP03, KVN: 0xFF},
		Log:       LogConfig{Level: "info"},
	}
}

// UseExtended reports whether APDUs use extended length encoding.
func (c *Config) UseExtended() bool {
	if c.APDU.Extended != nil {
		return *c.APDU.Extended
	}
	return c.Transport.Kind == TransportUSB
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportPCSC:
		if c.Transport.ReaderIndex < 0 {
			return fmt.Errorf("config.transport.reader_index must be >= 0")
		}
	case TransportUSB:
		if c.Transport.VendorID == 0 || c.Transport.ProductID == 0 {
			return fmt.Errorf("config.transport.vendor_id and product_id are required for usb")
		}
	default:
		return fmt.Errorf("config.transport.kind must be %q or %q, got %q", TransportPCSC, TransportUSB, c.Transport.Kind)
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("config.transport.timeout must be positive")
	}

	if c.APDU.MaxSize < 0 {
		return fmt.Errorf("config.apdu.max_size must be >= 0")
	}
	if c.APDU.MaxSize > 0 && !c.UseExtended() {
		return fmt.Errorf("config.apdu.max_size requires extended encoding")
	}
	if c.APDU.Chaining && c.UseExtended() {
		return fmt.Errorf("config.apdu.chaining is only used with short encoding")
	}

	switch c.SCP.Protocol {
	case ProtocolSCP03:
		if strings.TrimSpace(c.SCP.KeyHexFile) != "" {
			if err := validateReadableFile(c.SCP.KeyHexFile, "config.scp.key_hex_file"); err != nil {
				return err
			}
		}
	case ProtocolSCP11b:
		if c.SCP.KeyHexFile != "" {
			return fmt.Errorf("config.scp.key_hex_file is only used with %s", ProtocolSCP03)
		}
	default:
		return fmt.Errorf("config.scp.protocol must be %q or %q, got %q", ProtocolSCP03, ProtocolSCP11b, c.SCP.Protocol)
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	c.SCP.KeyHexFile = resolvePath(filepath.Dir(configPath), c.SCP.KeyHexFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// ParseKeyHex reads SCP03 key material: either one 16-byte key used for
// ENC, MAC and DEK, or three keys in that order, hex encoded and separated
// by white space.
func ParseKeyHex(text string) (enc, mac, dek []byte, err error) {
	fields := strings.Fields(text)
	keys := make([][]byte, 0, len(fields))
	for i, f := range fields {
		k, err := hex.DecodeString(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("key %d: %w", i+1, err)
		}
		if len(k) != 16 {
			return nil, nil, nil, fmt.Errorf("key %d: want 16 bytes, got %d", i+1, len(k))
		}
		keys = append(keys, k)
	}

	switch len(keys) {
	case 1:
		return keys[0], bytes.Clone(keys[0]), bytes.Clone(keys[0]), nil
	case 3:
		return keys[0], keys[1], keys[2], nil
	}
	return nil, nil, nil, fmt.Errorf("want 1 or 3 keys, got %d", len(keys))
}

// ReadKeyHexFile reads and parses the file named by scp.key_hex_file.
func ReadKeyHexFile(path string) (enc, mac, dek []byte, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read key file: %w", err)
	}
	return ParseKeyHex(string(content))
}
