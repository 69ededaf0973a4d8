package redisdb

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

var rdb *redis.Client

func Init(c Config) error {
	rdb = redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	return rdb.Ping(context.Background()).Err()
}

func GetClient() *redis.Client { return rdb }

// SetClient replaces the shared client; used by tests and by callers that
// manage their own connection lifecycle.
func SetClient(c *redis.Client) { rdb = c }
