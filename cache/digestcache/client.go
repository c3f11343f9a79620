// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package digestcache remembers which blob digests the store has seen,
// backed by redis. It is a presence hint for FindMissingBlobs, not a
// source of truth: a miss only costs the client a re-upload.
package digestcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/benbrittain/gaudi/log"
)

// Client is a digest presence index on redis.
type Client struct {
	prefix string
	pool   *redis.Pool

	// to workaround pool.wait. maintain active conns.
	sema chan struct{}
}

// AddrFromEnv returns the redis server address from environment
// variables.
func AddrFromEnv() (string, error) {
	host := os.Getenv("REDISHOST")
	port := os.Getenv("REDISPORT")
	if host == "" {
		return "", errors.New("no REDISHOST environment")
	}
	if port == "" {
		port = "6379" // redis default port
	}
	return fmt.Sprintf("%s:%s", host, port), nil
}

// Opts is a digest cache client option.
type Opts struct {
	// Prefix is key prefix used by the client.
	Prefix string

	// MaxIdleConns is max number of idle connections.
	MaxIdleConns int

	// MaxActiveConns is max number of active connections.
	MaxActiveConns int
}

// default max number of connections.
const (
	DefaultMaxIdleConns   = 50
	DefaultMaxActiveConns = 200
)

// NewClient creates a new digest cache client for redis.
func NewClient(ctx context.Context, addr string, opts Opts) *Client {
	return &Client{
		prefix: opts.Prefix,
		pool: &redis.Pool{
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr)
			},
			MaxIdle:   opts.MaxIdleConns,
			MaxActive: opts.MaxActiveConns,
			// https://github.com/gomodule/redigo/issues/520
			Wait: false,
		},
		sema: make(chan struct{}, opts.MaxActiveConns),
	}
}

// Close releases the resources used by the client.
func (c *Client) Close() error {
	return c.pool.Close()
}

type activeConn struct {
	redis.Conn
	c *Client
}

func (c activeConn) Close() error {
	<-c.c.sema
	return c.Conn.Close()
}

func (c *Client) poolGetContext(ctx context.Context) (redis.Conn, error) {
	t := time.Now()
	select {
	case c.sema <- struct{}{}:
		d := time.Since(t)
		if d > 100*time.Millisecond {
			logger := log.FromContext(ctx)
			logger.Warnf("redis pool wait %s actives=%d", d, len(c.sema))
		}
		conn, err := c.pool.GetContext(ctx)
		if err != nil {
			<-c.sema
			return nil, err
		}
		return activeConn{
			Conn: conn,
			c:    c,
		}, nil
	case <-ctx.Done():
		d := time.Since(t)
		if d > 100*time.Millisecond {
			logger := log.FromContext(ctx)
			logger.Warnf("redis pool timed-out wait %s actives=%d", d, len(c.sema))
		}
		return nil, ctx.Err()
	}
}

// Contains reports whether hash has been recorded.
func (c *Client) Contains(ctx context.Context, hash string) (bool, error) {
	conn, err := c.poolGetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("EXISTS", c.prefix+hash))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Put records one or more hashes as present.
func (c *Client) Put(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	conn, err := c.poolGetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	for _, h := range hashes {
		if _, err := conn.Do("SET", c.prefix+h, "1"); err != nil {
			return err
		}
	}
	return nil
}
