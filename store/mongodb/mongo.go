package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"studybuddy/logger"
)

type Config struct {
	Uri         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
	MaxRetry    int
}

// Connect dials Mongo with bounded exponential backoff and returns the
// database handle once a ping succeeds.
func Connect(ctx context.Context, cfg *Config) (*mongo.Database, error) {
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
	)
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}

	opts := options.Client().ApplyURI(cfg.Uri).SetMaxPoolSize(cfg.MaxPoolSize)
	if cfg.Username != "" {
		opts = opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	var lastErr error
	backoff := baseBackoff
	for i := 0; i < cfg.MaxRetry; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		cli, err := mongo.Connect(ctx, opts)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = cli.Ping(pingCtx, readpref.Primary())
			cancel()
			if err == nil {
				return cli.Database(cfg.Database), nil
			}
			_ = cli.Disconnect(ctx)
		}
		lastErr = err
		logger.Warnf("[mongo] connect attempt %d failed: %v", i+1, err)
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, lastErr
}
