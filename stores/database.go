package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mike76-dev/smbprobe/client"
	"go.uber.org/zap"
)

const dbTimeout = 10 * time.Second

const schema = `
	CREATE TABLE IF NOT EXISTS durable_handles (
		handle_key      TEXT PRIMARY KEY,
		client_guid     BYTEA NOT NULL,
		share           TEXT NOT NULL,
		name            TEXT NOT NULL,
		disconnected_at TIMESTAMPTZ NOT NULL,
		handle          JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS durable_handles_client_guid ON durable_handles (client_guid);
`

// Database is a PostgreSQL-backed journal of disconnected durable handles.
type Database struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Close closes the underlying database connection.
func (db *Database) Close() {
	db.pool.Close()
}

// NewStore connects to the database and creates the journal table if
// needed.
func NewStore(ctx context.Context, dc DatabaseConfig, logger *zap.Logger) (*Database, error) {
	pool, err := pgxpool.New(ctx, dc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	} else if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("connected to SQL database", zap.String("database", dc.Database), zap.String("host", dc.Host), zap.Int("port", dc.Port))
	return &Database{pool: pool, logger: logger}, nil
}

// txn runs fn inside a transaction, committing if it returns nil.
func (db *Database) txn(fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Record implements client.Journal.
func (db *Database) Record(h client.DurableHandle) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return db.txn(func(ctx context.Context, tx pgx.Tx) error {
		const query = `
			INSERT INTO durable_handles (handle_key, client_guid, share, name, disconnected_at, handle)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (handle_key) DO UPDATE
			SET disconnected_at = EXCLUDED.disconnected_at,
				handle = EXCLUDED.handle
		`
		_, err := tx.Exec(ctx, query, h.Key(), h.ClientGUID[:], h.Share, h.Name, h.DisconnectedAt, doc)
		if err != nil {
			return fmt.Errorf("failed to record handle: %w", err)
		}
		return nil
	})
}

// Remove implements client.Journal.
func (db *Database) Remove(h client.DurableHandle) error {
	return db.txn(func(ctx context.Context, tx pgx.Tx) error {
		const query = `
			DELETE FROM durable_handles
			WHERE handle_key = $1
		`
		_, err := tx.Exec(ctx, query, h.Key())
		if err != nil {
			return fmt.Errorf("failed to remove handle: %w", err)
		}
		return nil
	})
}

// List returns the handles recorded for clientGUID, oldest first.
func (db *Database) List(clientGUID [16]byte) (handles []client.DurableHandle, err error) {
	err = db.txn(func(ctx context.Context, tx pgx.Tx) error {
		const query = `
			SELECT handle
			FROM durable_handles
			WHERE client_guid = $1
			ORDER BY disconnected_at
		`
		rows, err := tx.Query(ctx, query, clientGUID[:])
		if err != nil {
			return fmt.Errorf("failed to list handles: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return fmt.Errorf("failed to scan handle: %w", err)
			}
			var h client.DurableHandle
			if err := json.Unmarshal(doc, &h); err != nil {
				return fmt.Errorf("failed to decode handle: %w", err)
			}
			handles = append(handles, h)
		}
		return rows.Err()
	})
	return
}

// Prune deletes handles whose timeout has passed and returns how many were
// removed.
func (db *Database) Prune() (n int, err error) {
	handles, err := db.listAll()
	if err != nil {
		return 0, err
	}
	for _, h := range handles {
		if !h.Expired() {
			continue
		}
		if err := db.Remove(h); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (db *Database) listAll() (handles []client.DurableHandle, err error) {
	err = db.txn(func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT handle FROM durable_handles`)
		if err != nil {
			return fmt.Errorf("failed to list handles: %w", err)
		}
		handles, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (client.DurableHandle, error) {
			var h client.DurableHandle
			var doc []byte
			if err := row.Scan(&doc); err != nil {
				return h, err
			}
			return h, json.Unmarshal(doc, &h)
		})
		return err
	})
	return
}
