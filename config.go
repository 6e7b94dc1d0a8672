package modbus

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModbusTCPDefaultPort is the IANA-registered Modbus/TCP port.
const ModbusTCPDefaultPort = 502

// ServerConfig configures a Server and the DataHandler/DataBank behind it.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	MaxConnections int           `mapstructure:"max_connections"`
	ShutdownWait   time.Duration `mapstructure:"shutdown_wait"`
	AllowedIPs     []string      `mapstructure:"allowed_ips"`

	CoilsSize            int `mapstructure:"coils_size"`
	DiscreteInputsSize   int `mapstructure:"discrete_inputs_size"`
	HoldingRegistersSize int `mapstructure:"holding_registers_size"`
	InputRegistersSize   int `mapstructure:"input_registers_size"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	UnitID    byte          `mapstructure:"unit_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
	AutoOpen  bool          `mapstructure:"auto_open"`
	AutoClose bool          `mapstructure:"auto_close"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds the logging settings loaded with a ServerConfig or
// ClientConfig. NewServer, NewClient and the gomodbustcp command do not read
// it: each takes or builds its own *zap.Logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultServerConfig returns a ServerConfig with the stack's defaults: the
// full 16-bit address space on every array, the registered Modbus/TCP port,
// and info-level console logging.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                 "0.0.0.0",
		Port:                 ModbusTCPDefaultPort,
		MaxConnections:       0,
		ShutdownWait:         5 * time.Second,
		CoilsSize:            defaultArraySize,
		DiscreteInputsSize:   defaultArraySize,
		HoldingRegistersSize: defaultArraySize,
		InputRegistersSize:   defaultArraySize,
		Logging:              LoggingConfig{Level: "info", Format: "console"},
	}
}

// DefaultClientConfig returns a ClientConfig matching pyModbusTCP's client
// defaults: unit id 1, a 30s timeout, auto_open on and auto_close off.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:      "localhost",
		Port:      ModbusTCPDefaultPort,
		UnitID:    1,
		Timeout:   30 * time.Second,
		AutoOpen:  true,
		AutoClose: false,
		Logging:   LoggingConfig{Level: "info", Format: "console"},
	}
}

// LoadServerConfig reads a ServerConfig from configPath (if non-empty), the
// working directory, /etc/gomodbustcp/ or $HOME/.gomodbustcp/, falling back
// to DefaultServerConfig for anything unset. Environment variables prefixed
// GOMODBUSTCP_ override file values.
func LoadServerConfig(configPath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gomodbustcp/")
		v.AddConfigPath("$HOME/.gomodbustcp/")
	}
	v.SetEnvPrefix("GOMODBUSTCP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("modbus: reading server config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("modbus: parsing server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("modbus: invalid server config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig is LoadServerConfig's counterpart for ClientConfig.
func LoadClientConfig(configPath string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("client")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gomodbustcp/")
		v.AddConfigPath("$HOME/.gomodbustcp/")
	}
	v.SetEnvPrefix("GOMODBUSTCP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ClientConfig{}, fmt.Errorf("modbus: reading client config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("modbus: parsing client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("modbus: invalid client config: %w", err)
	}
	return cfg, nil
}

// Validate checks a ServerConfig's fields are in range.
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	for _, s := range c.AllowedIPs {
		if _, _, err := net.ParseCIDR(s); err != nil {
			if net.ParseIP(s) == nil {
				return fmt.Errorf("allowed_ips entry %q is neither an IP nor a CIDR", s)
			}
		}
	}
	for _, size := range []int{c.CoilsSize, c.DiscreteInputsSize, c.HoldingRegistersSize, c.InputRegistersSize} {
		if size < 0 || size > 0x10000 {
			return fmt.Errorf("array size %d out of range [0, 65536]", size)
		}
	}
	return nil
}

// Validate checks a ClientConfig's fields are in range.
func (c ClientConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if !validHost(c.Host) {
		return fmt.Errorf("host %q is not a valid IPv4/IPv6 address or hostname", c.Host)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// hostLabelRE matches one dot-separated hostname label: alphanumeric and
// underscore, hyphens allowed only between the first and last character.
var hostLabelRE = regexp.MustCompile(`^[a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?$`)

// validHost reports whether host is a valid IPv4/IPv6 address or hostname,
// mirroring pyModbusTCP's valid_host(): an address literal is always
// accepted, otherwise the name must be at most 255 characters and every
// dot-separated label 1-63 letters, digits, underscores or hyphens, not
// starting or ending with a hyphen.
func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	if host == "" || len(host) > 255 {
		return false
	}
	host = strings.TrimSuffix(host, ".")
	for _, label := range strings.Split(host, ".") {
		if !hostLabelRE.MatchString(label) {
			return false
		}
	}
	return true
}

// AllowedIPNets parses ServerConfig's AllowedIPs into net.IPNet values
// suitable for DataHandler.AllowedIPs. A bare IP is treated as a /32 (or
// /128 for IPv6).
func (c ServerConfig) AllowedIPNets() ([]net.IPNet, error) {
	if len(c.AllowedIPs) == 0 {
		return nil, nil
	}
	nets := make([]net.IPNet, 0, len(c.AllowedIPs))
	for _, s := range c.AllowedIPs {
		if strings.Contains(s, "/") {
			_, ipNet, err := net.ParseCIDR(s)
			if err != nil {
				return nil, fmt.Errorf("modbus: parsing allowed_ips entry %q: %w", s, err)
			}
			nets = append(nets, *ipNet)
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("modbus: allowed_ips entry %q is not a valid IP", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// Addr formats Host/Port as a net.Listen/net.Dial address.
func (c ServerConfig) Addr() string { return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)) }
