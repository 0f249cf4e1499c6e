package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fadebin/cfg"
	"fadebin/pkg/domain"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis connects using REDIS_URL (or the REDIS_HOST family) and pings
// once. A failed ping is returned so the caller can refuse to serve.
func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisAddrURL())
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.DialTimeout = c.RedisConnectTimeout
	opt.ReadTimeout = c.StoreTimeout
	opt.WriteTimeout = c.StoreTimeout
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	r := NewRedisFromClient(client, c.StoreTimeout)
	pingCtx, cancel := context.WithTimeout(context.Background(), c.RedisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client without pinging it.
func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if redisHostname := os.Getenv("REDIS_HOSTNAME"); redisHostname != "" {
		tlsConfig.ServerName = redisHostname
	}
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}
func (r *Redis) Create(ctx context.Context, p *domain.Paste) (err error) {
	defer observe("redis", "create")(&err)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := domain.Marshal(p)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, Key(p.ID), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, "setnx paste")
	}
	if !ok {
		return domain.ErrIDCollision
	}
	return nil
}
func (r *Redis) Load(ctx context.Context, id string) (p *domain.Paste, err error) {
	defer observe("redis", "load")(&err)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, Key(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	return domain.Unmarshal(id, data)
}

// UpdateIf runs an optimistic WATCH/MULTI/EXEC transaction. EXEC aborts if
// any other client touched the key after WATCH, which surfaces as
// redis.TxFailedErr and is reported as a conflict.
func (r *Redis) UpdateIf(ctx context.Context, expected, next *domain.Paste) (err error) {
	defer observe("redis", "update_if")(&err)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := domain.Marshal(next)
	if err != nil {
		return err
	}
	key := Key(expected.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrConflict
		}
		if err != nil {
			return errors.Wrap(err, "get paste")
		}
		current, err := domain.Unmarshal(expected.ID, raw)
		if err != nil {
			return err
		}
		if !current.Equal(expected) {
			return domain.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConflict
	}
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return errors.Wrap(err, "update paste")
	}
	return err
}
func (r *Redis) Delete(ctx context.Context, id string) (err error) {
	defer observe("redis", "delete")(&err)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, Key(id)).Err(); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	return nil
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts one hit against key in a fixed window shared by every
// instance and returns the usage including this hit.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{"ratelimit:" + key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
