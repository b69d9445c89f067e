package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/shmring/pkg/ringbuf"
)

// fileConfig is the YAML configuration shared by all subcommands. Flags override it.
type fileConfig struct {
	Area struct {
		Name string `yaml:"name"`
		Dir  string `yaml:"dir"`
		Size int    `yaml:"size"`
	} `yaml:"area"`
	Ring struct {
		Chunk          string        `yaml:"chunk"`
		Signals        string        `yaml:"signals"`
		Size           uint32        `yaml:"size"`
		AttachTimeout  time.Duration `yaml:"attach_timeout"`
		PoisonConsumed bool          `yaml:"poison_consumed"`
	} `yaml:"ring"`
	// Listen serves /live, /ready and /metrics when set.
	Listen string `yaml:"listen"`
}

func defaultFileConfig() *fileConfig {
	def := ringbuf.DefaultConfig()
	c := &fileConfig{}
	c.Area.Name = "shmring"
	c.Area.Size = 1 << 20
	c.Ring.Chunk = def.ChunkName
	c.Ring.Signals = def.SignalBaseName
	c.Ring.Size = def.Size
	c.Ring.AttachTimeout = def.AttachTimeout
	return c
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (*fileConfig, error) {
	c := defaultFileConfig()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func (c *fileConfig) ringConfig() *ringbuf.Config {
	conf := ringbuf.DefaultConfig()
	conf.ChunkName = c.Ring.Chunk
	conf.SignalBaseName = c.Ring.Signals
	conf.Size = c.Ring.Size
	conf.AttachTimeout = c.Ring.AttachTimeout
	conf.PoisonConsumed = c.Ring.PoisonConsumed
	return conf
}
