package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 500

// UpsertTarget describes a change-gated bulk upsert: rows whose conflict key
// already exists are only rewritten when DistinctColumn differs and the
// stored row belongs to the same tenant. TenantColumn is never updated.
type UpsertTarget struct {
	Table          string
	ConflictColumn string
	DistinctColumn string
	TenantColumn   string
	UpdateColumns  []string
}

func (s UpsertTarget) onConflict() clause.OnConflict {
	exprs := []clause.Expression{
		clause.Expr{
			SQL: "? IS DISTINCT FROM ?",
			Vars: []interface{}{
				clause.Column{Table: s.Table, Name: s.DistinctColumn},
				clause.Column{Table: "excluded", Name: s.DistinctColumn},
			},
		},
	}
	if s.TenantColumn != "" {
		exprs = append(exprs, clause.Expr{
			SQL: "? = ?",
			Vars: []interface{}{
				clause.Column{Table: s.Table, Name: s.TenantColumn},
				clause.Column{Table: "excluded", Name: s.TenantColumn},
			},
		})
	}
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: s.ConflictColumn}},
		DoUpdates: clause.AssignmentColumns(s.UpdateColumns),
		Where:     clause.Where{Exprs: exprs},
	}
}

// Upsert writes rows in batches inside one transaction and returns the number
// of rows inserted or actually updated. Unchanged rows are not counted.
func Upsert[T any](ctx context.Context, db *gorm.DB, rows []T, target UpsertTarget, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var written int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).
			Clauses(target.onConflict()).
			CreateInBatches(&rows, batchSize)
		if res.Error != nil {
			return res.Error
		}
		written = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", target.Table, err)
	}
	return written, nil
}
