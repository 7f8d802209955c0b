package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guregu/null/v6"
)

// ErrPredictionNotFound is returned when a feedback update matches no row.
var ErrPredictionNotFound = fmt.Errorf("%w: prediction not found", ErrPersistence)

// PredictionColumns is the schema the prediction sink expects.
var PredictionColumns = []string{"date", "prediction", "feedback", "model_used"}

// PredictionRow is one persisted prediction. Feedback stays null until a
// user reports the real direction.
type PredictionRow struct {
	ID         int64    `json:"id"`
	Date       string   `json:"date"`
	Prediction int      `json:"prediction"`
	Feedback   null.Int `json:"feedback"`
	ModelUsed  string   `json:"model_used"`
}

// EnsurePredictionTable creates the table when it does not exist.
func (s *Sink) EnsurePredictionTable(ctx context.Context, table string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == driverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id %s,
            date TEXT NOT NULL,
            prediction INTEGER NOT NULL,
            feedback INTEGER,
            model_used TEXT NOT NULL
        )`, table, id)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrPersistence, table, err)
	}
	return nil
}

func (s *Sink) InsertPredictions(ctx context.Context, table string, rows []PredictionRow) error {
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		values[i] = []interface{}{r.Date, r.Prediction, r.Feedback, r.ModelUsed}
	}
	return s.Insert(ctx, table, PredictionColumns, values)
}

const predictionSelect = "SELECT id, date, prediction, feedback, model_used FROM %s"

func scanPrediction(row interface{ Scan(...interface{}) error }) (PredictionRow, error) {
	var r PredictionRow
	err := row.Scan(&r.ID, &r.Date, &r.Prediction, &r.Feedback, &r.ModelUsed)
	return r, err
}

// LatestPrediction returns the newest row for date, or the newest row overall
// when date is empty. A missing row returns (nil, nil).
func (s *Sink) LatestPrediction(ctx context.Context, table, date string) (*PredictionRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(predictionSelect, table)
	var args []interface{}
	if date != "" {
		query += " WHERE date = " + s.placeholder(1)
		args = append(args, date)
	}
	query += " ORDER BY date DESC, id DESC LIMIT 1"

	r, err := scanPrediction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest prediction: %v", ErrPersistence, err)
	}
	return &r, nil
}

// ListPredictions returns up to limit rows, newest first.
func (s *Sink) ListPredictions(ctx context.Context, table string, limit int) ([]PredictionRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 30
	}
	query := fmt.Sprintf(predictionSelect+" ORDER BY date DESC, id DESC LIMIT %d", table, limit)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list predictions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]PredictionRow, 0)
	for rows.Next() {
		r, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list predictions: %v", ErrPersistence, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list predictions: %v", ErrPersistence, err)
	}
	return out, nil
}

// UpdateFeedback records the observed direction for a prediction.
func (s *Sink) UpdateFeedback(ctx context.Context, table string, id int64, feedback int) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if feedback != 0 && feedback != 1 {
		return fmt.Errorf("%w: feedback must be 0 or 1, got %d", ErrPersistence, feedback)
	}
	query := fmt.Sprintf("UPDATE %s SET feedback = %s WHERE id = %s", table, s.placeholder(1), s.placeholder(2))
	res, err := s.db.ExecContext(ctx, query, feedback, id)
	if err != nil {
		return fmt.Errorf("%w: update feedback: %v", ErrPersistence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %d", ErrPredictionNotFound, id)
	}
	return nil
}
