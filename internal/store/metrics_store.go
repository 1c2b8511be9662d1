package store

import (
	"context"
	"fmt"
)

// DeliveryStats holds aggregated delivery statistics.
type DeliveryStats struct {
	TotalEvents    int     `json:"total_events"`
	DeliveredCount int     `json:"delivered_count"`
	IgnoredCount   int     `json:"ignored_count"`
	RejectedCount  int     `json:"rejected_count"`
	ExhaustedCount int     `json:"exhausted_count"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalReauths   int     `json:"total_reauths"`
}

// GetDeliveryStats aggregates the delivery log. SuccessRate only counts
// events that reached the publisher.
func (s *PostgresStore) GetDeliveryStats(ctx context.Context) (*DeliveryStats, error) {
	var st DeliveryStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE outcome = 'ignored') AS ignored,
			COUNT(*) FILTER (WHERE outcome = 'rejected') AS rejected,
			COUNT(*) FILTER (WHERE outcome = 'exhausted') AS exhausted,
			COALESCE(AVG(duration_ms) FILTER (WHERE attempts > 0), 0) AS avg_duration_ms,
			COALESCE(SUM(reauths), 0) AS reauths
		FROM deliveries
	`).Scan(
		&st.TotalEvents, &st.DeliveredCount, &st.IgnoredCount, &st.RejectedCount,
		&st.ExhaustedCount, &st.AvgDurationMs, &st.TotalReauths,
	)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}

	st.SuccessRate = successRate(st.DeliveredCount, st.ExhaustedCount)
	return &st, nil
}

func successRate(delivered, exhausted int) float64 {
	published := delivered + exhausted
	if published == 0 {
		return 0
	}
	return float64(delivered) / float64(published) * 100
}
