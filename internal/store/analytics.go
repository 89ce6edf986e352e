package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// GetAnalytics returns the daily records between from and to inclusive.
func (s *Storage) GetAnalytics(ctx context.Context, from, to time.Time) ([]domain.AnalyticsRecord, error) {
	records := []domain.AnalyticsRecord{}
	err := s.db.SelectContext(ctx, &records, `
		SELECT date, total_posts, successful_posts, failed_posts, total_engagement
		FROM analytics
		WHERE date BETWEEN $1 AND $2
		ORDER BY date ASC
	`, from.UTC().Format(time.DateOnly), to.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get analytics")
	}
	return records, nil
}
