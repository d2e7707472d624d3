package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Meander-Cloud/go-chatfusion/packet"
)

const (
	// defaults for when not provided in Config
	ListenAddress        string        = "0.0.0.0:7777"
	BufferSize           int           = 16384 // 16 KB
	EventChannelLength   uint16        = 1024
	CommandQueueLength   int           = 16
	DialTimeout          time.Duration = time.Second * 3
	WriteSlice           time.Duration = time.Millisecond * 50
	FusionHandshakeWait  time.Duration = time.Second * 10
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	LogLevel             string        = "info"
	LogFormat            string        = "console"
	LogPrefix            string        = "chatfusion"

	EnvPrefix string = "CHATFUSION"
)

// MinBufferSize fits the largest packet without a member list: a public
// message carrying three maximal strings.
const MinBufferSize = packet.IntSize + 3*(packet.IntSize+packet.MaxFieldLength)

type Config struct {
	Name               string `mapstructure:"name"`
	ListenAddress      string `mapstructure:"listen_address"`
	AdvertiseAddress   string `mapstructure:"advertise_address"`
	BufferSize         int    `mapstructure:"buffer_size"`
	EventChannelLength uint16 `mapstructure:"event_channel_length"`
	CommandQueueLength int    `mapstructure:"command_queue_length"`

	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	WriteSlice          time.Duration `mapstructure:"write_slice"`
	FusionHandshakeWait time.Duration `mapstructure:"fusion_handshake_wait"`

	AdminAddress   string `mapstructure:"admin_address"`
	MetricsAddress string `mapstructure:"metrics_address"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogPrefix string `mapstructure:"log_prefix"`
	LogDebug  bool   `mapstructure:"log_debug"`
}

// Default returns a Config populated with every default.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with CHATFUSION_ and
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("name", "")
	v.SetDefault("listen_address", ListenAddress)
	v.SetDefault("advertise_address", "")
	v.SetDefault("buffer_size", BufferSize)
	v.SetDefault("event_channel_length", EventChannelLength)
	v.SetDefault("command_queue_length", CommandQueueLength)
	v.SetDefault("dial_timeout", DialTimeout.String())
	v.SetDefault("write_slice", WriteSlice.String())
	v.SetDefault("fusion_handshake_wait", FusionHandshakeWait.String())
	v.SetDefault("admin_address", "")
	v.SetDefault("metrics_address", "")
	v.SetDefault("log_level", LogLevel)
	v.SetDefault("log_format", LogFormat)
	v.SetDefault("log_prefix", LogPrefix)
	v.SetDefault("log_debug", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.ApplyDefaults()

	return c, nil
}

// ApplyDefaults fills every zero numeric or empty optional field.
func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ListenAddress
	}
	if c.BufferSize == 0 {
		c.BufferSize = BufferSize
	}
	if c.EventChannelLength == 0 {
		c.EventChannelLength = EventChannelLength
	}
	if c.CommandQueueLength == 0 {
		c.CommandQueueLength = CommandQueueLength
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DialTimeout
	}
	if c.WriteSlice == 0 {
		c.WriteSlice = WriteSlice
	}
	if c.FusionHandshakeWait == 0 {
		c.FusionHandshakeWait = FusionHandshakeWait
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormat
	}
	if c.LogPrefix == "" {
		c.LogPrefix = LogPrefix
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}

	if err := packet.ValidString(c.Name); err != nil {
		return fmt.Errorf("invalid Name=%q: %w", c.Name, err)
	}

	if _, err := netip.ParseAddrPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid ListenAddress=%s: %w", c.ListenAddress, err)
	}

	if c.AdvertiseAddress != "" {
		advertise, err := netip.ParseAddrPort(c.AdvertiseAddress)
		if err != nil {
			return fmt.Errorf("invalid AdvertiseAddress=%s: %w", c.AdvertiseAddress, err)
		}
		if err = packet.ValidAddress(advertise); err != nil {
			return fmt.Errorf("invalid AdvertiseAddress=%s: %w", c.AdvertiseAddress, err)
		}
	}

	if c.BufferSize < MinBufferSize {
		return fmt.Errorf("invalid BufferSize=%d, must be at least %d", c.BufferSize, MinBufferSize)
	}

	if c.EventChannelLength == 0 {
		return fmt.Errorf("invalid EventChannelLength=%d", c.EventChannelLength)
	}

	if c.CommandQueueLength <= 0 {
		return fmt.Errorf("invalid CommandQueueLength=%d", c.CommandQueueLength)
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("invalid DialTimeout=%s", c.DialTimeout)
	}

	if c.WriteSlice <= 0 {
		return fmt.Errorf("invalid WriteSlice=%s", c.WriteSlice)
	}

	if c.FusionHandshakeWait <= 0 {
		return fmt.Errorf("invalid FusionHandshakeWait=%s", c.FusionHandshakeWait)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LogLevel=%s", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid LogFormat=%s", c.LogFormat)
	}

	return nil
}
