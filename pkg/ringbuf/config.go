package ringbuf

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmring/pkg/shm"
)

const (
	defaultName          = "shmring"
	defaultDataSize      = 64 << 10
	defaultAttachTimeout = 5 * time.Second
	maxDataSize          = 1 << 30
)

// Config is used to init a ring buffer.
type Config struct {
	// ChunkName names the chunk holding the header and data region.
	ChunkName string
	// SignalBaseName prefixes the two signal names, <base>.data_ready and
	// <base>.space_available.
	SignalBaseName string
	// Size is the data region size, rounded up to a multiple of WordSize. Only the
	// creator uses it.
	Size uint32
	// AttachTimeout bounds how long InitReceiver waits for the chunk and signals.
	AttachTimeout time.Duration
	// PoisonConsumed overwrites consumed frames with PoisonByte.
	PoisonConsumed bool
	// LogOutput is used to write the ring's log lines, default is os.Stdout.
	LogOutput io.Writer
	// Meter and Tracer default to no-op implementations.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig is used to create a default config.
func DefaultConfig() *Config {
	return &Config{
		ChunkName:      defaultName,
		SignalBaseName: defaultName,
		Size:           defaultDataSize,
		AttachTimeout:  defaultAttachTimeout,
		LogOutput:      os.Stdout,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("nil config: %w", ErrInvalidArgument)
	}
	if len(config.ChunkName) == 0 || len(config.ChunkName) > shm.MaxNameLen {
		return fmt.Errorf("chunk name %q must have 1 to %d bytes: %w", config.ChunkName, shm.MaxNameLen, ErrInvalidArgument)
	}
	if config.SignalBaseName == "" || len(SpaceAvailableName(config.SignalBaseName)) > shm.MaxNameLen {
		return fmt.Errorf("signal base name %q is empty or too long: %w", config.SignalBaseName, ErrInvalidArgument)
	}
	if config.Size < MinDataSize {
		return fmt.Errorf("size %d must be at least %d: %w", config.Size, MinDataSize, ErrInvalidArgument)
	}
	if config.Size > maxDataSize {
		return fmt.Errorf("size %d must be at most %d: %w", config.Size, maxDataSize, ErrInvalidArgument)
	}
	if config.AttachTimeout < 0 {
		return fmt.Errorf("negative attach timeout %s: %w", config.AttachTimeout, ErrInvalidArgument)
	}
	return nil
}

// DataReadyName returns the name of the signal the sender triggers after a commit.
func DataReadyName(base string) string {
	return base + ".data_ready"
}

// SpaceAvailableName returns the name of the signal the receiver triggers when it
// frees space for a waiting sender.
func SpaceAvailableName(base string) string {
	return base + ".space_available"
}
