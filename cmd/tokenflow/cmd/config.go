package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"

	"github.com/davidroman0O/tokenflow"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Engine EngineConfig `mapstructure:"engine"`
	Store  StoreConfig  `mapstructure:"store"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	Workers           int           `mapstructure:"workers"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MaxCallDepth      int           `mapstructure:"max_call_depth"`
	MaxSteps          int           `mapstructure:"max_steps"`
	ExpressionTimeout time.Duration `mapstructure:"expression_timeout"`
	// DeadlockTimeout reports a lock held longer than this; zero disables it.
	DeadlockTimeout time.Duration `mapstructure:"deadlock_timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("engine.workers", tokenflow.DefaultWorkers)
	v.SetDefault("engine.tick_interval", tokenflow.DefaultTickInterval)
	v.SetDefault("engine.max_call_depth", tokenflow.DefaultMaxCallDepth)
	v.SetDefault("engine.max_steps", tokenflow.DefaultMaxSteps)
	v.SetDefault("engine.expression_timeout", tokenflow.DefaultExpressionTimeout)
	v.SetDefault("engine.deadlock_timeout", 0)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.path", "")
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverBadger:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	return nil
}

func (c *Config) logger() tokenflow.Logger {
	format := tokenflow.TextFormat
	if c.Log.Format == "json" {
		format = tokenflow.JSONFormat
	}
	return tokenflow.NewDefaultLogger(tokenflow.ParseLevel(c.Log.Level), format)
}

func (c *Config) openStore(ctx context.Context) (tokenflow.InstanceStore, error) {
	switch c.Store.Driver {
	case DriverSQLite:
		return tokenflow.NewSQLiteStore(ctx, c.Store.Path)
	case DriverBadger:
		return tokenflow.NewBadgerStore(c.Store.Path)
	default:
		return tokenflow.NewMemoryStore()
	}
}

// open builds an engine on the configured store. The returned close func
// stops the engine before closing the store.
func (c *Config) open(ctx context.Context) (*tokenflow.Tokenflow, func() error, error) {
	if c.Engine.DeadlockTimeout > 0 {
		deadlock.Opts.DeadlockTimeout = c.Engine.DeadlockTimeout
	} else {
		deadlock.Opts.Disable = true
	}

	st, err := c.openStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s store: %w", c.Store.Driver, err)
	}
	tf, err := tokenflow.New(ctx,
		tokenflow.WithLogger(c.logger()),
		tokenflow.WithStore(st),
		tokenflow.WithWorkers(c.Engine.Workers),
		tokenflow.WithTickInterval(c.Engine.TickInterval),
		tokenflow.WithMaxCallDepth(c.Engine.MaxCallDepth),
		tokenflow.WithMaxSteps(c.Engine.MaxSteps),
		tokenflow.WithExpressionTimeout(c.Engine.ExpressionTimeout),
	)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return tf, func() error {
		err := tf.Close()
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}, nil
}
