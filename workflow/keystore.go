package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type gormKeyStore struct {
	db *gorm.DB
}

func NewGormKeyStore(db *gorm.DB) KeyStore {
	return &gormKeyStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *gormKeyStore) Find(ctx context.Context, userId int, route, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND route = ? AND idem_key = ?", userId, route, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormKeyStore) Insert(ctx context.Context, rec *models.IdempotencyRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *gormKeyStore) Claim(ctx context.Context, id int, rec *models.IdempotencyRecord, prevUpdatedAt time.Time) error {
	// The updated_at guard makes the takeover optimistic: if someone else
	// claimed the row since we read it, zero rows match and we lose.
	res := s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("id = ? AND updated_at = ?", id, prevUpdatedAt).
		Updates(map[string]interface{}{
			"request_hash":    rec.RequestHash,
			"response_status": rec.ResponseStatus,
			"response_body":   nil,
			"expires_at":      rec.ExpiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *gormKeyStore) Finish(ctx context.Context, id int, status int, body []byte) error {
	return s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"response_status": status,
			"response_body":   body,
		}).Error
}

func (s *gormKeyStore) Delete(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Delete(&models.IdempotencyRecord{}, id).Error
}

// SweepExpired deletes records past their retention window. Run from
// cmd/idempotency-sweep on a schedule.
func SweepExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
