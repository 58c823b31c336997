package tcp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures an [Engine]. Zero fields take their defaults, see [Config.Defaults].
// The tagged fields can be loaded from TOML with [LoadConfig].
type Config struct {
	// Workers is the amount of goroutines processing segments and timers.
	Workers int `toml:"workers"`
	// QueueBytes bounds the bytes of segments queued on each worker.
	QueueBytes int `toml:"queue_bytes"`
	// TxBufferSize and RxBufferSize size every connection's transmit and receive buffers.
	TxBufferSize int `toml:"tx_buffer_size"`
	RxBufferSize int `toml:"rx_buffer_size"`
	// MaxBacklog caps the backlog passed to Listen.
	MaxBacklog int `toml:"max_backlog"`
	// Ephemeral port range used by Connect and Listen on unbound sockets.
	EphemeralFirst uint16 `toml:"ephemeral_first"`
	EphemeralLast  uint16 `toml:"ephemeral_last"`
	// InitialRTO is the first retransmission timeout. It doubles on every
	// consecutive timeout; once it reaches MaxRTO the next timeout aborts.
	InitialRTO time.Duration `toml:"initial_rto"`
	MaxRTO     time.Duration `toml:"max_rto"`
	// MSL is the maximum segment lifetime. TIME-WAIT lasts 2*MSL.
	MSL time.Duration `toml:"msl"`
	// RSTRateLimit is the sustained rate of RST replies per second, RSTBurst the bucket size.
	RSTRateLimit float64 `toml:"rst_rate_limit"`
	RSTBurst     int     `toml:"rst_burst"`

	// Logger receives engine and connection logs. Nil disables logging.
	Logger *slog.Logger `toml:"-"`
	// Clock defaults to the real time clock.
	Clock Clock `toml:"-"`
	// Registerer, if set, has the engine metrics registered on it.
	Registerer prometheus.Registerer `toml:"-"`
	// Rand seeds the ISS secret and the ephemeral port cursor. Defaults to crypto/rand.
	Rand io.Reader `toml:"-"`
}

// Defaults fills zero fields with their default values.
func (cfg *Config) Defaults() {
	setDefault(&cfg.Workers, 8)
	setDefault(&cfg.QueueBytes, 64<<10)
	setDefault(&cfg.TxBufferSize, 16<<10)
	setDefault(&cfg.RxBufferSize, 16<<10)
	setDefault(&cfg.MaxBacklog, 128)
	setDefault(&cfg.EphemeralFirst, defaultEphemeralFirst)
	setDefault(&cfg.EphemeralLast, defaultEphemeralLast)
	setDefault(&cfg.InitialRTO, time.Second)
	setDefault(&cfg.MaxRTO, 64*time.Second)
	setDefault(&cfg.MSL, 30*time.Second)
	setDefault(&cfg.RSTRateLimit, 100)
	setDefault(&cfg.RSTBurst, 50)
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// Validate checks the configuration is consistent. Call after [Config.Defaults].
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Workers < 1 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if cfg.QueueBytes < taskOverhead+sizeHeaderTCP {
		errs = append(errs, fmt.Errorf("queue_bytes %d cannot hold a single segment", cfg.QueueBytes))
	}
	if cfg.TxBufferSize < 1 || cfg.RxBufferSize < 1 {
		errs = append(errs, errors.New("buffer sizes must be positive"))
	}
	if cfg.MaxBacklog < 1 {
		errs = append(errs, errors.New("max_backlog must be positive"))
	}
	if cfg.EphemeralFirst == 0 || cfg.EphemeralFirst > cfg.EphemeralLast {
		errs = append(errs, fmt.Errorf("bad ephemeral port range [%d, %d]", cfg.EphemeralFirst, cfg.EphemeralLast))
	}
	if cfg.InitialRTO <= 0 || cfg.MaxRTO < cfg.InitialRTO {
		errs = append(errs, fmt.Errorf("bad RTO bounds initial=%s max=%s", cfg.InitialRTO, cfg.MaxRTO))
	}
	if cfg.MSL <= 0 {
		errs = append(errs, errors.New("msl must be positive"))
	}
	if cfg.RSTRateLimit < 0 || cfg.RSTBurst < 0 {
		errs = append(errs, errors.New("negative RST rate limit"))
	}
	return errors.Join(errs...)
}

// LoadConfig decodes a TOML configuration over the defaults. Durations are
// written as strings such as "1s" or "250ms". Unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	cfg.Defaults()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("tcp: decoding config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("tcp: unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("tcp: invalid config: %w", err)
	}
	return cfg, nil
}
