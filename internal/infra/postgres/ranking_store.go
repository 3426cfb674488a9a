package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exam-scoring-service/internal/domain"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

type rankingRow struct {
	bun.BaseModel `bun:"table:rankings,alias:r"`

	ID            int64     `bun:"id,pk,autoincrement"`
	ExamID        int64     `bun:"exam_id,notnull"`
	AttemptID     int64     `bun:"attempt_id,notnull"`
	ParticipantID int64     `bun:"participant_id,notnull"`
	Score         float64   `bun:"score,notnull"`
	Position      int       `bun:"position,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RankingStore materializes rankings with bun. Replacement runs in one transaction that
// also holds a per-exam advisory lock, so readers never observe a half-written ranking.
type RankingStore struct {
	db *bun.DB
}

func NewRankingStore(db *bun.DB) *RankingStore {
	return &RankingStore{db: db}
}

func (s *RankingStore) ReplaceRankings(ctx context.Context, examID int64, entries []domain.RankingEntry) error {
	rows := make([]rankingRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, rankingRow{
			ExamID:        examID,
			AttemptID:     entry.AttemptID,
			ParticipantID: entry.ParticipantID,
			Score:         entry.Score,
			Position:      entry.Position,
		})
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(?)`, examID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if _, err := tx.NewDelete().Model((*rankingRow)(nil)).Where("exam_id = ?", examID).Exec(ctx); err != nil {
			return fmt.Errorf("delete rankings: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("insert rankings: %w", err)
		}
		return nil
	})
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
			return fmt.Errorf("%w: %v", domain.ErrRankingConflict, err)
		}
		return err
	}
	return nil
}

func (s *RankingStore) ListRankings(ctx context.Context, examID int64) ([]domain.RankingEntry, error) {
	var rows []rankingRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("exam_id = ?", examID).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select rankings: %w", err)
	}
	entries := make([]domain.RankingEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.RankingEntry{
			ExamID:        row.ExamID,
			AttemptID:     row.AttemptID,
			ParticipantID: row.ParticipantID,
			Score:         row.Score,
			Position:      row.Position,
		})
	}
	return entries, nil
}
