package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Bus          BusConfig          `mapstructure:"bus"`
	IPC          IPCConfig          `mapstructure:"ipc"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Auth         AuthConfig         `mapstructure:"auth"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

type BusConfig struct {
	Driver                 string        `mapstructure:"driver"`
	Device                 string        `mapstructure:"device"`
	SpeedHz                int64         `mapstructure:"speed_hz"`
	SPIMode                int           `mapstructure:"spi_mode"`
	Mode                   string        `mapstructure:"mode"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	TransactionGap         time.Duration `mapstructure:"transaction_gap"`
	FlashEvery             int           `mapstructure:"flash_every"`
	DetectEvery            int           `mapstructure:"detect_every"`
	MaxCoalescedRounds     int           `mapstructure:"max_coalesced_rounds"`
	RequestInputsOnOutputs bool          `mapstructure:"request_inputs_on_outputs"`
	TopologyFile           string        `mapstructure:"topology_file"`
	SimulatedAddresses     []uint8       `mapstructure:"simulated_addresses"`
}

type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

type ProvisioningConfig struct {
	I2CBus             string `mapstructure:"i2c_bus"`
	Address            uint16 `mapstructure:"address"`
	FallbackAccessCode string `mapstructure:"fallback_access_code"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

const (
	DriverSPI       = "spi"
	DriverSimulated = "simulated"

	devSecret = "dev-secret-change-in-production-min-32-chars"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)

	// Bus Defaults
	v.SetDefault("bus.driver", DriverSPI)
	v.SetDefault("bus.device", "/dev/spidev0.0")
	v.SetDefault("bus.speed_hz", 1000000)
	v.SetDefault("bus.spi_mode", 0)
	v.SetDefault("bus.mode", "interval")
	v.SetDefault("bus.poll_interval", "100ms")
	v.SetDefault("bus.transaction_gap", "2ms")
	v.SetDefault("bus.flash_every", 10)
	v.SetDefault("bus.detect_every", 50)
	v.SetDefault("bus.max_coalesced_rounds", 10)
	v.SetDefault("bus.request_inputs_on_outputs", false)
	v.SetDefault("bus.topology_file", "")
	v.SetDefault("bus.simulated_addresses", []int{1, 3})

	v.SetDefault("ipc.socket_path", "/tmp/socket-iron-pi")

	v.SetDefault("provisioning.i2c_bus", "/dev/i2c-1")
	v.SetDefault("provisioning.address", 0x50)
	v.SetDefault("provisioning.fallback_access_code", "UNKNOWN")

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "IOBUS_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
}

// Load reads the YAML file at path. A missing file is not an error; the
// defaults and IOBUS_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables automatisch binden, z.B. IOBUS_BUS_DRIVER
	v.SetEnvPrefix("IOBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case DriverSPI, DriverSimulated:
	default:
		return fmt.Errorf("invalid bus.driver %q", c.Bus.Driver)
	}
	switch c.Bus.Mode {
	case "interval":
		if c.Bus.PollInterval <= 0 {
			return fmt.Errorf("bus.poll_interval must be positive in interval mode")
		}
	case "event":
	default:
		return fmt.Errorf("invalid bus.mode %q", c.Bus.Mode)
	}
	if c.Bus.TransactionGap < 0 {
		return fmt.Errorf("bus.transaction_gap must not be negative")
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path is required")
	}
	return nil
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "IOBUS_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return devSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
