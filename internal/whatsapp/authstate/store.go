package authstate

import (
	"context"
	"strings"
	"time"

	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("authstate: record not found")

// Store is the durable key/blob table behind an AuthState.
type Store interface {
	// Get returns ErrNotFound when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)

	// GetMany returns the rows that exist; missing keys are absent from the map
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// Scan returns every row whose key starts with prefix
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	// Put inserts or replaces a row
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes a row, deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every row whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// GormStore keeps records in the whatsapp_sessions table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row domain.WhatsAppSession
	err := s.db.WithContext(ctx).Where("id = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return []byte(row.Data), nil
}

func (s *GormStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	var rows []domain.WhatsAppSession
	if err := s.db.WithContext(ctx).Where("id IN ?", keys).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "get %d keys", len(keys))
	}
	for _, row := range rows {
		result[row.ID] = []byte(row.Data)
	}
	return result, nil
}

func (s *GormStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	var rows []domain.WhatsAppSession
	err := s.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '!'", escapeLike(prefix)+"%").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "scan prefix %s", prefix)
	}
	result := make(map[string][]byte, len(rows))
	for _, row := range rows {
		result[row.ID] = []byte(row.Data)
	}
	return result, nil
}

func (s *GormStore) Put(ctx context.Context, key string, data []byte) error {
	row := domain.WhatsAppSession{ID: key, Data: string(data), UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrapf(err, "upsert %s", key)
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("id = ?", key).Delete(&domain.WhatsAppSession{}).Error
	return errors.Wrapf(err, "delete %s", key)
}

func (s *GormStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '!'", escapeLike(prefix)+"%").
		Delete(&domain.WhatsAppSession{})
	if tx.Error != nil {
		return 0, errors.Wrapf(tx.Error, "delete prefix %s", prefix)
	}
	return tx.RowsAffected, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
