package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// RetryPolicy tunes connection establishment retries.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = time.Second
	}
	return p
}

// Connector hands units of work a live backend connection, retrying
// establishment on transient failures. Idle pooling is disabled so every
// acquisition dials a fresh connection, and the connection is released on
// every exit path.
type Connector struct {
	db     *sql.DB
	policy RetryPolicy
	logger *zap.Logger
}

// NewConnector wraps db. The pool is configured to keep no idle connections.
func NewConnector(db *sql.DB, policy RetryPolicy, logger *zap.Logger) *Connector {
	db.SetMaxIdleConns(0)
	return &Connector{db: db, policy: policy.withDefaults(), logger: logger}
}

// WithConn acquires a fresh connection, verifies it with a ping, and runs
// body with exclusive use of it. Establishment is retried up to MaxRetries
// with RetryDelay between attempts; the last error is surfaced when attempts
// are exhausted. Body errors are returned as-is, never retried. Cancelling
// ctx aborts both in-flight work and backoff waits.
func (c *Connector) WithConn(ctx context.Context, body func(context.Context, *sql.Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		conn, err := c.db.Conn(ctx)
		if err == nil {
			err = conn.PingContext(ctx)
			if err == nil {
				bodyErr := body(ctx, conn)
				_ = conn.Close()
				return bodyErr
			}
			_ = conn.Close()
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		if attempt < c.policy.MaxRetries {
			c.logger.Warn("connection attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", c.policy.RetryDelay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.policy.RetryDelay):
			}
		}
	}
	c.logger.Error("all connection attempts failed",
		zap.Int("attempts", c.policy.MaxRetries),
		zap.Error(lastErr))
	return lastErr
}

// Close closes the underlying pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

// isTransient reports whether err is a connection-level failure worth
// retrying. Context cancellation is never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy ||
			sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.Code == sqlite3.ErrCantOpen
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. Class 57: operator intervention
		// (server shutdown), which clears on reconnect.
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57")
	}
	return false
}
