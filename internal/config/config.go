// Package config loads the buddy server's on-disk configuration,
// mirroring controlplane/yncp.LoadConfig: a Config struct built from
// DefaultConfig and then overridden by whatever the YAML file sets.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/etherlab/buddy/internal/signal"
)

// GeneralConfig holds the server's listening address and RingBuffer
// sizing.
type GeneralConfig struct {
	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`
	// Interface is the address the listener binds to.
	Interface string `yaml:"interface"`
	// RingCapacity is the capacity of the global sample RingBuffer.
	RingCapacity datasize.ByteSize `yaml:"ring_capacity"`
	// OverrunMargin is the backpressure safety margin a session's reader
	// is allowed to trail the writer by before it is declared overrun.
	OverrunMargin datasize.ByteSize `yaml:"overrun_margin"`
}

// SASLConfig selects the authentication mechanism and, for the built-in
// dev/test credential store, its principal/password map. A production
// deployment replaces Credentials with an external SASL verifier per
// spec.md's out-of-scope contract.
type SASLConfig struct {
	Mechanism   string            `yaml:"mechanism"`
	Credentials map[string]string `yaml:"credentials"`
}

// LoggingConfig mirrors common/go/logging.Config.
type LoggingConfig struct {
	Level zapcore.Level `yaml:"level"`
}

// VariableConfig describes one exported signal or parameter, standing in
// for the symbol/metadata table the real-time side would otherwise ship:
// name, path, alias, data type, dimensions, byte offset, sample-time
// index.
type VariableConfig struct {
	Path       string   `yaml:"path"`
	Name       string   `yaml:"name"`
	Alias      string   `yaml:"alias"`
	Type       string   `yaml:"type"`
	Dims       []uint32 `yaml:"dims"`
	Offset     uint32   `yaml:"offset"`
	SampleTime uint32   `yaml:"sample_time"`
}

// Config is the buddy server's full configuration.
type Config config_
type config_ struct {
	General    GeneralConfig    `yaml:"general"`
	SASL       SASLConfig       `yaml:"sasl"`
	Logging    LoggingConfig    `yaml:"logging"`
	Signals    []VariableConfig `yaml:"signals"`
	Parameters []VariableConfig `yaml:"parameters"`
}

// DefaultConfig returns the configuration defaults a loaded file
// overrides, including a pair of demo variables so the server is usable
// out of the box against the bundled producer simulator.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			Port:          2500,
			Interface:     "0.0.0.0",
			RingCapacity:  64 * datasize.KiB,
			OverrunMargin: 4 * datasize.KiB,
		},
		SASL: SASLConfig{
			Mechanism:   "PLAIN",
			Credentials: map[string]string{"admin": "admin"},
		},
		Logging: LoggingConfig{
			Level: zapcore.InfoLevel,
		},
		Signals: []VariableConfig{
			{Path: "/scalar", Name: "scalar", Type: "f64", Offset: 0, SampleTime: 0},
		},
		Parameters: []VariableConfig{
			{Path: "/param", Name: "param", Type: "f64", Offset: 0, SampleTime: 0},
		},
	}
}

// LoadConfig reads and parses the YAML configuration file at path,
// starting from DefaultConfig and letting the file override any field it
// sets.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation: it decodes onto the
// private config_ alias to avoid infinite recursion through Config's own
// UnmarshalYAML, then validates the result.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config_)(c)); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks the invariants LoadConfig's caller relies on: a port in
// 1..65535, a non-empty SASL mechanism, an overrun margin smaller than the
// ring capacity, and a known data type on every signal and parameter
// descriptor. Empty signal or parameter lists are accepted.
func (c *Config) Validate() error {
	if c.General.Port <= 0 || c.General.Port > 65535 {
		return fmt.Errorf("general.port %d out of range", c.General.Port)
	}
	if c.SASL.Mechanism == "" {
		return fmt.Errorf("sasl.mechanism must not be empty")
	}
	if c.General.OverrunMargin.Bytes() >= c.General.RingCapacity.Bytes() {
		return fmt.Errorf("general.overrun_margin %s must be smaller than general.ring_capacity %s",
			c.General.OverrunMargin, c.General.RingCapacity)
	}
	for _, v := range c.Signals {
		if _, err := parseDataType(v.Type); err != nil {
			return fmt.Errorf("signals: %q: %w", v.Path, err)
		}
	}
	for _, v := range c.Parameters {
		if _, err := parseDataType(v.Type); err != nil {
			return fmt.Errorf("parameters: %q: %w", v.Path, err)
		}
	}
	return nil
}

// parseDataType maps a config-file type string onto a signal.DataType.
func parseDataType(s string) (signal.DataType, error) {
	switch s {
	case "u8":
		return signal.U8, nil
	case "i8":
		return signal.I8, nil
	case "u16":
		return signal.U16, nil
	case "i16":
		return signal.I16, nil
	case "u32":
		return signal.U32, nil
	case "i32":
		return signal.I32, nil
	case "u64":
		return signal.U64, nil
	case "i64":
		return signal.I64, nil
	case "f32":
		return signal.F32, nil
	case "f64":
		return signal.F64, nil
	case "complex-f64":
		return signal.ComplexF64, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}

// BuildTable converts a list of VariableConfig entries into a
// signal.Table, assigning sequential descriptor IDs in file order.
func BuildTable(imageSize uint32, variables []VariableConfig) (*signal.Table, error) {
	descriptors := make([]*signal.Descriptor, 0, len(variables))
	for i, v := range variables {
		dt, err := parseDataType(v.Type)
		if err != nil {
			return nil, fmt.Errorf("config: variable %q: %w", v.Path, err)
		}
		descriptors = append(descriptors, &signal.Descriptor{
			ID:         uint32(i),
			Path:       v.Path,
			Name:       v.Name,
			Alias:      v.Alias,
			Type:       dt,
			Dims:       v.Dims,
			Offset:     v.Offset,
			SampleTime: v.SampleTime,
		})
	}
	return signal.NewTable(imageSize, descriptors)
}

// ImageSize returns the smallest image size that fits every variable's
// offset+byte length. The config has no separate image-size setting, so
// this is how both the signal and the parameter image are sized.
func ImageSize(variables []VariableConfig) (uint32, error) {
	var size uint32
	for _, v := range variables {
		dt, err := parseDataType(v.Type)
		if err != nil {
			return 0, fmt.Errorf("config: variable %q: %w", v.Path, err)
		}
		d := signal.Descriptor{Type: dt, Dims: v.Dims, Offset: v.Offset}
		end := v.Offset + uint32(d.ByteLen())
		if end > size {
			size = end
		}
	}
	return size, nil
}
