package db

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billingsync/pkg/types"
)

// Scan runs a filtered, paginated listing over model T. Only columns in allowed may be
// filtered or sorted on. Default order is newest first.
func Scan[T any](ctx context.Context, db *gorm.DB, req *types.ScanRequest, allowed mapset.Set[string]) ([]*T, int64, error) {
	if req == nil {
		return nil, 0, fmt.Errorf("nil request")
	}
	if err := req.Normalize(allowed); err != nil {
		return nil, 0, err
	}

	tx := db.WithContext(ctx).Model(new(T))
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{types.FiltersAnd(req.Filters)}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rows: %w", err)
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	q := tx.Limit(req.Size).Offset(req.From).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})

	var rows []*T
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rows: %w", err)
	}
	return rows, total, nil
}
