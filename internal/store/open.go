package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string         `yaml:"backend"`
	Dir      string         `yaml:"dir"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// Open returns the backend named by cfg.Backend: memory, file, redis or postgres.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil

	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file store needs a directory")
		}
		return NewFile(cfg.Dir)

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := NewRedis(ctx, client, cfg.Redis.Prefix, log)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, cfg.Postgres.Table, log)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
