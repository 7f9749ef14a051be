package uplog

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config configures one replica. It is built once and passed down at
// construction; nothing reads the environment mid-operation.
type Config struct {
	// DataDir holds both stores: trie nodes under DataDir/trie, dedup
	// markers under DataDir/dedup. Independently durable and openable.
	DataDir string `yaml:"dataDir"`
	// MinTimestamp is the oldest accepted message time, unix seconds.
	MinTimestamp int64 `yaml:"minTimestampSecs"`
	// MaxTimestampDelta is the future-tolerance window in seconds.
	MaxTimestampDelta int64 `yaml:"maxTimestampDeltaSecs"`
	// MinimumFreeGB is the free-space threshold checked at open.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// MaxReaders caps concurrent read transactions per store, 0 = unbounded.
	MaxReaders int `yaml:"maxReaders"`
	// CompactionInterval is the pause between out-of-band store
	// compaction passes. 0 disables the background pass.
	CompactionInterval time.Duration `yaml:"compactionInterval"`
	// Topic is the distribution topic for admitted payloads.
	Topic string `yaml:"topic"`
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.MaxTimestampDelta == 0 {
		c.MaxTimestampDelta = 60
	}
	if c.Topic == "" {
		c.Topic = "uplog/messages"
	}
}
