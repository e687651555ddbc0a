package db

import (
	"context"
	"database/sql"
	"fmt"

	"emoguchi/internal/game"
)

func insertRound(ctx context.Context, tx *sql.Tx, gameID string, rd *game.RoundSummary) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rounds (id, game_id, number, phrase, emotion_id, speaker_id, speaker_name, abandoned, fallback, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, rd.ID, gameID, rd.Number, rd.Phrase, rd.EmotionID, rd.SpeakerID, rd.SpeakerName,
		rd.Abandoned, rd.Fallback, rd.StartedAt, rd.EndedAt)
	if err != nil {
		return fmt.Errorf("inserting round: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO round_votes (round_id, player_id, emotion_id, correct)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id, player_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing vote statement: %w", err)
	}
	defer stmt.Close()

	for playerID, emotionID := range rd.Votes {
		if _, err := stmt.ExecContext(ctx, rd.ID, playerID, emotionID, emotionID == rd.EmotionID); err != nil {
			return fmt.Errorf("recording vote: %w", err)
		}
	}
	return nil
}

// CountRounds returns how many rounds were stored for gameID.
func (d *DB) CountRounds(ctx context.Context, gameID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM rounds WHERE game_id = $1`, gameID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rounds: %w", err)
	}
	return n, nil
}
