package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLike is the slice of Redis this package needs. Kept narrow so
// tests can inject fakes without a server.
type RedisLike interface {
	EvalSha(ctx context.Context, sha string, keys []string, args ...any) (any, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
	Ping(ctx context.Context) error
}

type redisWrap struct {
	rdb redis.Cmdable
}

func (w *redisWrap) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

func (w *redisWrap) EvalSha(ctx context.Context, sha string, keys []string, args ...any) (any, error) {
	return w.rdb.EvalSha(ctx, sha, keys, args...).Result()
}

func (w *redisWrap) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return w.rdb.Eval(ctx, script, keys, args...).Result()
}

func (w *redisWrap) ScriptLoad(ctx context.Context, script string) (string, error) {
	return w.rdb.ScriptLoad(ctx, script).Result()
}

// Cmdable exposes the underlying client so collaborators that share
// the connection (the user directory) can reuse it.
func Cmdable(r RedisLike) (redis.Cmdable, bool) {
	w, ok := r.(*redisWrap)
	if !ok {
		return nil, false
	}
	return w.rdb, true
}

type RedisConnOpts struct {
	RedisURL string
	Host     string
	Port     int
	DB       int
	Username string
	Password string
	SSL      bool

	SocketTimeout        *time.Duration
	SocketConnectTimeout *time.Duration
}

func looksLikeClusterError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "cluster support disabled") ||
		strings.Contains(msg, "cluster mode is not enabled") ||
		(strings.Contains(msg, "unknown command") && strings.Contains(msg, "cluster")) ||
		strings.Contains(msg, "this instance has cluster support disabled") ||
		strings.Contains(msg, "moved") ||
		strings.Contains(msg, "ask")
}

// BuildRedisClient connects via URL when given, otherwise tries the
// host as a cluster node first and falls back to a standalone client.
func BuildRedisClient(opts RedisConnOpts) (RedisLike, error) {
	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		if opts.SSL && ropts.TLSConfig == nil {
			ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if opts.SocketTimeout != nil {
			ropts.ReadTimeout = *opts.SocketTimeout
			ropts.WriteTimeout = *opts.SocketTimeout
		}
		if opts.SocketConnectTimeout != nil {
			ropts.DialTimeout = *opts.SocketConnectTimeout
		}

		c := redis.NewClient(ropts)
		if err := c.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		return &redisWrap{rdb: c}, nil
	}

	if opts.Host == "" {
		return nil, fmt.Errorf("RedisConnOpts requires host (or redis_url)")
	}
	if opts.Port == 0 {
		opts.Port = 6379
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	var tlsCfg *tls.Config
	if opts.SSL {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	{
		c := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        []string{addr},
			Username:     opts.Username,
			Password:     opts.Password,
			TLSConfig:    tlsCfg,
			ReadTimeout:  durOrZero(opts.SocketTimeout),
			WriteTimeout: durOrZero(opts.SocketTimeout),
			DialTimeout:  durOrZero(opts.SocketConnectTimeout),
		})

		err := c.Ping(context.Background()).Err()
		if err == nil {
			return &redisWrap{rdb: c}, nil
		}
		_ = c.Close()

		if !looksLikeClusterError(err) {
			return nil, err
		}
	}

	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		TLSConfig:    tlsCfg,
		ReadTimeout:  durOrZero(opts.SocketTimeout),
		WriteTimeout: durOrZero(opts.SocketTimeout),
		DialTimeout:  durOrZero(opts.SocketConnectTimeout),
	})

	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &redisWrap{rdb: c}, nil
}

func durOrZero(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
