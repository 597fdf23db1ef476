package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crmflow/internal/payload"
)

// Session is a short-lived storage handle scoped to one pipeline stage.
// Writes are held in a transaction until Commit; Close discards writes that
// were not committed.
type Session interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetLatestHandoff(ctx context.Context, runID, stage string) (*Handoff, error)
	CreateHandoff(ctx context.Context, runID, stage string, p payload.Payload) error
	UpdateRun(ctx context.Context, runID string, upd RunUpdate) error
	CountCustomers(ctx context.Context) (int, error)
	Commit() error
	Close() error
}

// Opener hands out fresh sessions.
type Opener interface {
	NewSession(ctx context.Context) (Session, error)
}

// ErrSessionClosed is returned by calls on a released session.
var ErrSessionClosed = errors.New("store session closed")

// NewSession checks out a dedicated connection from the pool.
func (s *Store) NewSession(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire store session: %w", err)
	}
	return &connSession{conn: conn}, nil
}

type connSession struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// q returns the open transaction, if any, so reads see the session's own
// uncommitted writes.
func (c *connSession) q() (querier, error) {
	if c.conn == nil {
		return nil, ErrSessionClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

// w begins the write transaction on first use. Starting it at the first write
// keeps the transaction from having to upgrade a read lock.
func (c *connSession) w(ctx context.Context) (querier, error) {
	if c.conn == nil {
		return nil, ErrSessionClosed
	}
	if c.tx == nil {
		tx, err := c.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin session transaction: %w", err)
		}
		c.tx = tx
	}
	return c.tx, nil
}

func (c *connSession) GetRun(ctx context.Context, runID string) (*Run, error) {
	q, err := c.q()
	if err != nil {
		return nil, err
	}
	return getRun(ctx, q, runID)
}

func (c *connSession) GetLatestHandoff(ctx context.Context, runID, stage string) (*Handoff, error) {
	q, err := c.q()
	if err != nil {
		return nil, err
	}
	return getLatestHandoff(ctx, q, runID, stage)
}

func (c *connSession) CreateHandoff(ctx context.Context, runID, stage string, p payload.Payload) error {
	q, err := c.w(ctx)
	if err != nil {
		return err
	}
	return createHandoff(ctx, q, runID, stage, p)
}

func (c *connSession) UpdateRun(ctx context.Context, runID string, upd RunUpdate) error {
	q, err := c.w(ctx)
	if err != nil {
		return err
	}
	return updateRun(ctx, q, runID, upd)
}

func (c *connSession) CountCustomers(ctx context.Context) (int, error) {
	q, err := c.q()
	if err != nil {
		return 0, err
	}
	return countCustomers(ctx, q)
}

// Commit makes the session's writes durable. Committing without writes is a
// no-op.
func (c *connSession) Commit() error {
	if c.conn == nil {
		return ErrSessionClosed
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Close rolls back uncommitted writes and returns the connection to the pool.
// Closing twice is a no-op.
func (c *connSession) Close() error {
	if c.conn == nil {
		return nil
	}
	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("roll back session: %w", err))
		}
		c.tx = nil
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release store session: %w", err))
	}
	return errors.Join(errs...)
}
