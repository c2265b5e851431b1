package utils

import (
	"context"

	"bitbucket.org/gracesoft/congregate_backend/config"
)

func NewTrue() *bool {
	b := true
	return &b
}

/* DB fetching */

// fetch model from db
// (church_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, churchId string, id int, associations ...string) (*T, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("church_id = ?", churchId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}
