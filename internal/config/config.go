package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// CodecConfig is one entry of the process-wide codec table, identical for
// every room.
type CodecConfig struct {
	Kind       string `mapstructure:"kind"`
	MimeType   string `mapstructure:"mime_type"`
	ClockRate  uint32 `mapstructure:"clock_rate"`
	Channels   uint16 `mapstructure:"channels"`
	Parameters string `mapstructure:"parameters"`
}

// WebRTCConfig holds the network-listen parameters for media transports.
type WebRTCConfig struct {
	ListenIP    string        `mapstructure:"listen_ip"`
	AnnouncedIP string        `mapstructure:"announced_ip"`
	MinPort     uint16        `mapstructure:"min_port"`
	MaxPort     uint16        `mapstructure:"max_port"`
	Codecs      []CodecConfig `mapstructure:"codecs"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	WebRTC     WebRTCConfig  `mapstructure:"webrtc"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("webrtc.listen_ip", "0.0.0.0")
	v.SetDefault("webrtc.announced_ip", "127.0.0.1")
	v.SetDefault("webrtc.min_port", 20000)
	v.SetDefault("webrtc.max_port", 20020)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
