package notify

import (
	"context"
	"time"

	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/kelurahan-dev/jadwal/pkg/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogRepository stores broadcast reservations in whatsapp_notification_log.
type LogRepository interface {
	// Reserve inserts the (event, kind, date) row and reports false when it already exists
	Reserve(ctx context.Context, eventID, kind, date string) (bool, error)
	Complete(ctx context.Context, eventID, kind, date string, sent, failed int) error
	Release(ctx context.Context, eventID, kind, date string) error
	PurgeBefore(ctx context.Context, t time.Time) (int64, error)
	List(ctx context.Context, limit int) ([]domain.WhatsAppNotificationLog, error)
}

type GormLogRepository struct {
	db *gorm.DB
}

func NewGormLogRepository(db *gorm.DB) *GormLogRepository {
	return &GormLogRepository{db: db}
}

func (r *GormLogRepository) Reserve(ctx context.Context, eventID, kind, date string) (bool, error) {
	now := time.Now()
	row := &domain.WhatsAppNotificationLog{
		ID:        common.UUIDint64(),
		EventID:   eventID,
		NotifType: kind,
		NotifDate: date,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "notify: reserve %s/%s/%s", eventID, kind, date)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormLogRepository) Complete(ctx context.Context, eventID, kind, date string, sent, failed int) error {
	err := r.scope(ctx, eventID, kind, date).Updates(map[string]interface{}{
		"sent":       sent,
		"failed":     failed,
		"updated_at": time.Now(),
	}).Error
	return errors.Wrapf(err, "notify: complete %s/%s/%s", eventID, kind, date)
}

func (r *GormLogRepository) Release(ctx context.Context, eventID, kind, date string) error {
	err := r.scope(ctx, eventID, kind, date).Delete(&domain.WhatsAppNotificationLog{}).Error
	return errors.Wrapf(err, "notify: release %s/%s/%s", eventID, kind, date)
}

func (r *GormLogRepository) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", t).Delete(&domain.WhatsAppNotificationLog{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "notify: purge log")
	}
	return res.RowsAffected, nil
}

// List returns the newest rows first.
func (r *GormLogRepository) List(ctx context.Context, limit int) ([]domain.WhatsAppNotificationLog, error) {
	var rows []domain.WhatsAppNotificationLog
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "notify: list log")
	}
	return rows, nil
}

func (r *GormLogRepository) scope(ctx context.Context, eventID, kind, date string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&domain.WhatsAppNotificationLog{}).
		Where("event_id = ? AND notif_type = ? AND notif_date = ?", eventID, kind, date)
}
