// Package db persists finished rounds and games to PostgreSQL. Nothing in the
// live game reads from it; it is a write-behind history.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const connectTimeout = 5 * time.Second

type DB struct {
	conn *sql.DB
	log  *zap.Logger
}

func Connect(ctx context.Context, dsn string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return &DB{conn: conn, log: log}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Migrate applies every embedded migration in file name order. Migrations are
// written to be re-runnable.
func (d *DB) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if _, err := d.conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", entry.Name(), err)
		}
		d.log.Info("applied migration", zap.String("file", entry.Name()))
	}
	return nil
}

// WriteBatch stores a batch of hook records in one transaction.
func (d *DB) WriteBatch(ctx context.Context, batch []Record) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range batch {
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func writeRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	snap := rec.Snapshot
	if snap.GameID == "" {
		return nil
	}
	if err := upsertGame(ctx, tx, snap); err != nil {
		return err
	}
	if rec.Kind == RoundEnded && snap.LastRound != nil {
		if err := insertRound(ctx, tx, snap.GameID, snap.LastRound); err != nil {
			return err
		}
	}
	if err := upsertGamePlayers(ctx, tx, snap); err != nil {
		return err
	}
	if rec.Kind == RoomClosed || snap.IsGameComplete {
		return endGame(ctx, tx, snap.GameID, snap.CompletedRounds, rec.At)
	}
	return nil
}
