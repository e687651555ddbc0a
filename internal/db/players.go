package db

import (
	"context"
	"database/sql"
	"fmt"

	"emoguchi/internal/game"
)

type GamePlayerRecord struct {
	PlayerID   string
	Name       string
	Color      string
	FinalScore int
	Rank       *int
}

// upsertGamePlayers records every player's running score. Ranks are only
// known once the game is complete.
func upsertGamePlayers(ctx context.Context, tx *sql.Tx, snap game.Snapshot) error {
	ranks := make(map[string]int, len(snap.Rankings))
	for _, r := range snap.Rankings {
		ranks[r.PlayerID] = r.Rank
	}
	for _, p := range snap.Players {
		var rank sql.NullInt64
		if r, ok := ranks[p.ID]; ok {
			rank = sql.NullInt64{Int64: int64(r), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO game_players (game_id, player_id, name, color, final_score, rank)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (game_id, player_id) DO UPDATE
			SET name = $3, final_score = $5, rank = COALESCE($6, game_players.rank)
		`, snap.GameID, p.ID, p.Name, p.Color, p.Score, rank)
		if err != nil {
			return fmt.Errorf("upserting game player: %w", err)
		}
	}
	return nil
}

func (d *DB) GamePlayers(ctx context.Context, gameID string) ([]GamePlayerRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT player_id, name, color, final_score, rank
		FROM game_players WHERE game_id = $1
		ORDER BY final_score DESC, player_id
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("querying game players: %w", err)
	}
	defer rows.Close()

	var out []GamePlayerRecord
	for rows.Next() {
		var p GamePlayerRecord
		var rank sql.NullInt64
		if err := rows.Scan(&p.PlayerID, &p.Name, &p.Color, &p.FinalScore, &rank); err != nil {
			return nil, fmt.Errorf("scanning game player: %w", err)
		}
		if rank.Valid {
			r := int(rank.Int64)
			p.Rank = &r
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
