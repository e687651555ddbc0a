package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"emoguchi/internal/game"
)

type GameRecord struct {
	ID          string
	RoomCode    string
	Mode        string
	VoteType    string
	MaxRounds   int
	StartedAt   time.Time
	EndedAt     *time.Time
	TotalRounds int
}

func upsertGame(ctx context.Context, tx *sql.Tx, snap game.Snapshot) error {
	startedAt := snap.CreatedAt
	if snap.LastRound != nil && snap.LastRound.Number == 1 {
		startedAt = snap.LastRound.StartedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO games (id, room_code, mode, vote_type, max_rounds, started_at, total_rounds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET total_rounds = GREATEST(games.total_rounds, $7)
	`, snap.GameID, snap.RoomID, string(snap.Config.Mode), string(snap.Config.VoteType),
		snap.Config.MaxRounds, startedAt, snap.CompletedRounds)
	if err != nil {
		return fmt.Errorf("upserting game: %w", err)
	}
	return nil
}

func endGame(ctx context.Context, tx *sql.Tx, gameID string, totalRounds int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE games SET ended_at = COALESCE(ended_at, $2), total_rounds = GREATEST(total_rounds, $3)
		WHERE id = $1
	`, gameID, at, totalRounds)
	if err != nil {
		return fmt.Errorf("ending game: %w", err)
	}
	return nil
}

func (d *DB) GetGame(ctx context.Context, id string) (*GameRecord, error) {
	var g GameRecord
	var ended sql.NullTime
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, room_code, mode, vote_type, max_rounds, started_at, ended_at, total_rounds
		FROM games WHERE id = $1
	`, id).Scan(&g.ID, &g.RoomCode, &g.Mode, &g.VoteType, &g.MaxRounds, &g.StartedAt, &ended, &g.TotalRounds)
	if err != nil {
		return nil, fmt.Errorf("getting game: %w", err)
	}
	if ended.Valid {
		g.EndedAt = &ended.Time
	}
	return &g, nil
}
