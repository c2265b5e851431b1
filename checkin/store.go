package checkin

import (
	"context"
	"errors"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrDuplicateRecord is returned by Store.Create when the (user_id,
// service_id) unique constraint fires, i.e. a concurrent batch won the race.
var ErrDuplicateRecord = errors.New("duplicate check-in record")

// Store is the narrow persistence surface the resolver needs. The gorm
// implementation backs production; tests run against an in-memory fake.
type Store interface {
	// ClassifyServices splits ids by visibility from churchId: foreign ids
	// exist under another church (authorization failure, batch-fatal),
	// missing ids exist nowhere (per-item validation failure).
	ClassifyServices(ctx context.Context, churchId string, ids []int) (foreign, missing []int, err error)
	// FindActive returns the active check-in for (userId, serviceId), or nil.
	FindActive(ctx context.Context, userId, serviceId int) (*models.CheckInRecord, error)
	Create(ctx context.Context, rec *models.CheckInRecord) error
	UpdateCheckInTime(ctx context.Context, id int, rec models.CheckInRecord) error
	// CountForService recomputes the derived counters for one service.
	CountForService(ctx context.Context, serviceId int) (total int64, unique int64, err error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *gormStore) ClassifyServices(ctx context.Context, churchId string, ids []int) ([]int, []int, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	// The lookup needs to see other tenants' rows to tell "foreign" from
	// "does not exist", so the tenant guard is bypassed for this one query.
	var rows []models.Service
	scopeFree := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := s.db.WithContext(scopeFree).Model(&models.Service{}).
		Select("id", "church_id").
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	owner := make(map[int]string, len(rows))
	for _, row := range rows {
		owner[row.ID] = row.ChurchId
	}
	var foreign, missing []int
	for _, id := range ids {
		church, exists := owner[id]
		switch {
		case !exists:
			missing = append(missing, id)
		case church != churchId:
			foreign = append(foreign, id)
		}
	}
	return foreign, missing, nil
}

func (s *gormStore) FindActive(ctx context.Context, userId, serviceId int) (*models.CheckInRecord, error) {
	var rec models.CheckInRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND service_id = ?", userId, serviceId).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) Create(ctx context.Context, rec *models.CheckInRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateRecord
		}
		return err
	}
	return nil
}

func (s *gormStore) UpdateCheckInTime(ctx context.Context, id int, rec models.CheckInRecord) error {
	return s.db.WithContext(ctx).Model(&models.CheckInRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"check_in_time": rec.CheckInTime,
			"client_id":     rec.ClientId,
		}).Error
}

func (s *gormStore) CountForService(ctx context.Context, serviceId int) (int64, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.CheckInRecord{}).
		Where("service_id = ?", serviceId).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}
	var unique int64
	if err := s.db.WithContext(ctx).Model(&models.CheckInRecord{}).
		Where("service_id = ?", serviceId).
		Distinct("user_id").
		Count(&unique).Error; err != nil {
		return 0, 0, err
	}
	return total, unique, nil
}
