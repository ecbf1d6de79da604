package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ControlAddr string `mapstructure:"control_addr"`
	FileAddr    string `mapstructure:"file_addr"`
	ScreenAddr  string `mapstructure:"screen_addr"`
	VideoAddr   string `mapstructure:"video_addr"`
	AudioAddr   string `mapstructure:"audio_addr"`
	GatewayAddr string `mapstructure:"gateway_addr"`

	StorageDir  string `mapstructure:"storage_dir"`
	MaxFileSize int64  `mapstructure:"max_file_size"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	AudioSampleRate  int           `mapstructure:"audio_sample_rate"`
	AudioChunkFrames int           `mapstructure:"audio_chunk_frames"`
	JitterWindow     time.Duration `mapstructure:"jitter_window"`
}

// Load reads configuration with LAN-ready defaults; a config file is
// optional and overrides them when present.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("control_addr", ":5000")
	v.SetDefault("file_addr", ":5002")
	v.SetDefault("screen_addr", ":5003")
	v.SetDefault("video_addr", ":6000")
	v.SetDefault("audio_addr", ":6001")
	v.SetDefault("gateway_addr", ":8080")
	v.SetDefault("storage_dir", "lanmeet_files")
	v.SetDefault("max_file_size", 100*1024*1024)
	v.SetDefault("heartbeat_interval", "3s")
	v.SetDefault("idle_timeout", "15s")
	v.SetDefault("audio_sample_rate", 44100)
	v.SetDefault("audio_chunk_frames", 1024)
	v.SetDefault("jitter_window", "200ms")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}
