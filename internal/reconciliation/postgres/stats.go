package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
)

type StatsRepository struct {
	db *sqlx.DB
}

func NewStatsRepository(db *sqlx.DB) reconciliation.StatsRepositoryAPI {
	return &StatsRepository{db: db}
}

type statusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

// StatusCounts returns the number of intents per status; statuses with no intents are reported as zero.
func (r *StatsRepository) StatusCounts(ctx context.Context) (map[credit.Status]int64, error) {
	var rows []statusCount
	query := r.db.Rebind(`SELECT status, COUNT(*) AS count FROM payment_intents GROUP BY status`)
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	counts := make(map[credit.Status]int64, 5)
	for _, status := range credit.AllStatuses() {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[credit.Status(row.Status)] = row.Count
	}
	return counts, nil
}
