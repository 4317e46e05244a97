package timerq

import (
	"time"

	"gorm.io/gorm"
)

// GormStore persists timers in the local Postgres cache.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{DB: db} }

func (s *GormStore) Insert(t *Timer) error {
	return s.DB.Create(t).Error
}

func (s *GormStore) DeleteUnfired(kind Kind, targetID string) (int64, error) {
	res := s.DB.Where("timer_type = ? AND target_id = ? AND fired = false", kind, targetID).
		Delete(&Timer{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Due(now time.Time) ([]Timer, error) {
	var out []Timer
	err := s.DB.Where("fired = false AND fire_at <= ?", now).
		Order("fire_at asc").
		Find(&out).Error
	return out, err
}

func (s *GormStore) MarkFired(id uint64) (bool, error) {
	res := s.DB.Model(&Timer{}).
		Where("id = ? AND fired = false", id).
		Update("fired", true)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) PurgeFired(before time.Time) (int64, error) {
	res := s.DB.Where("fired = true AND fire_at < ?", before).Delete(&Timer{})
	return res.RowsAffected, res.Error
}
