package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, event_kind, title, url, text, outcome, attempts, reauths, record_uri, error_message, duration_ms, created_at, delivered_at`

// RecordDelivery inserts one routed outcome and fills in its ID and CreatedAt.
func (s *PostgresStore) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deliveries (event_kind, title, url, text, outcome, attempts, reauths, record_uri, error_message, duration_ms, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, rec.EventKind, rec.Title, rec.URL, rec.Text, rec.Outcome, rec.Attempts, rec.Reauths,
		rec.RecordURI, rec.ErrorMessage, rec.DurationMs, rec.DeliveredAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent deliveries, optionally filtered by outcome.
func (s *PostgresStore) ListDeliveries(ctx context.Context, outcome string, limit int) ([]domain.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if outcome != "" {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argIdx))
		args = append(args, outcome)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}

	return deliveries, nil
}

// GetDelivery returns a single delivery by ID, or nil when none exists.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &rec, nil
}

func scanDelivery(row pgx.Row) (domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	var title, link, text *string
	err := row.Scan(
		&rec.ID, &rec.EventKind, &title, &link, &text, &rec.Outcome,
		&rec.Attempts, &rec.Reauths, &rec.RecordURI, &rec.ErrorMessage,
		&rec.DurationMs, &rec.CreatedAt, &rec.DeliveredAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Title = deref(title)
	rec.URL = deref(link)
	rec.Text = deref(text)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
