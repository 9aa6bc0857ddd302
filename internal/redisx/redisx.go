// Package redisx holds the shared Redis connection plumbing: URL parsing
// for single, cluster and sentinel deployments, and a dial helper that
// verifies the connection before handing it out.
package redisx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Dial connects to addr and pings the server so misconfiguration surfaces
// at startup instead of on the first use.
func Dial(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts, err := ParseURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return c, nil
}

// ParseURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated
// as a plain host:port string.
func ParseURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}
