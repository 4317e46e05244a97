package core

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"unsub/internal/vps"
)

// JobStore is the local job cache. Lookups return (nil, nil) when the row is
// absent; absence is an expected state here, not an error.
type JobStore interface {
	Upsert(j *Job) error
	Get(id string) (*Job, error)
	// ActiveForUser returns the user's non-terminal cached jobs, newest
	// first.
	ActiveForUser(pubkey string) ([]Job, error)
	// OpenJobs returns every non-terminal cached job.
	OpenJobs() ([]Job, error)
	Update(id string, fields map[string]any) error
	Delete(id string) error
	// DeleteTerminal drops every terminal row (cache hygiene).
	DeleteTerminal() (int64, error)
}

type SessionStore interface {
	Get(pubkey string) (*Session, error)
	Save(s *Session) error
	Delete(pubkey string) error
	FindByJob(jobID string) (*Session, error)
}

type GormJobStore struct {
	DB *gorm.DB
}

func (s *GormJobStore) Upsert(j *Job) error {
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(j).Error
}

func (s *GormJobStore) Get(id string) (*Job, error) {
	var j Job
	err := s.DB.Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *GormJobStore) ActiveForUser(pubkey string) ([]Job, error) {
	var out []Job
	err := s.DB.
		Where("user_pubkey = ?", pubkey).
		Order("created_at desc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	active := out[:0]
	for _, j := range out {
		if !IsTerminal(j.Status) {
			active = append(active, j)
		}
	}
	return active, nil
}

func (s *GormJobStore) OpenJobs() ([]Job, error) {
	var out []Job
	err := s.DB.Where("status NOT IN ?", terminalStatuses).Find(&out).Error
	return out, err
}

func (s *GormJobStore) Update(id string, fields map[string]any) error {
	return s.DB.Model(&Job{}).Where("id = ?", id).Updates(fields).Error
}

func (s *GormJobStore) Delete(id string) error {
	return s.DB.Where("id = ?", id).Delete(&Job{}).Error
}

var terminalStatuses = []string{
	vps.StatusCompletedPaid, vps.StatusCompletedEventual, vps.StatusCompletedReneged,
	vps.StatusUserSkip, vps.StatusUserAbandon, vps.StatusImpliedSkip, vps.StatusFailed,
}

func (s *GormJobStore) DeleteTerminal() (int64, error) {
	res := s.DB.Where("status IN ?", terminalStatuses).Delete(&Job{})
	return res.RowsAffected, res.Error
}

type GormSessionStore struct {
	DB *gorm.DB
}

func (s *GormSessionStore) Get(pubkey string) (*Session, error) {
	var sess Session
	err := s.DB.Where("user_pubkey = ?", pubkey).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *GormSessionStore) Save(sess *Session) error {
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(sess).Error
}

func (s *GormSessionStore) Delete(pubkey string) error {
	return s.DB.Where("user_pubkey = ?", pubkey).Delete(&Session{}).Error
}

func (s *GormSessionStore) FindByJob(jobID string) (*Session, error) {
	var sess Session
	err := s.DB.Where("job_id = ?", jobID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
