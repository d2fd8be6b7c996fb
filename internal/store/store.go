// Package store 用 gorm 保存警报、工作流与响应者资料。
package store

import (
	"context"
	stderrors "errors"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 持久化协作方
type Store interface {
	SaveAlert(ctx context.Context, a models.Alert) error
	SaveWorkflow(ctx context.Context, w models.SafetyWorkflow) error
	SaveResponder(ctx context.Context, p models.ResponderProfile) error
	FindResponders(ctx context.Context, activeOnly bool) ([]models.ResponderProfile, error)
	FindAlert(ctx context.Context, id string) (models.Alert, error)
}

type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&models.ResponderProfile{}, &models.Alert{}, &models.SafetyWorkflow{})
}

// upsert 按主键覆盖写
func (s *GormStore) upsert(ctx context.Context, v interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

func (s *GormStore) SaveAlert(ctx context.Context, a models.Alert) error {
	if err := s.upsert(ctx, &a); err != nil {
		return errors.Wrapf(err, "save alert %s", a.ID)
	}
	return nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, w models.SafetyWorkflow) error {
	if err := s.upsert(ctx, &w); err != nil {
		return errors.Wrapf(err, "save workflow %s", w.ID)
	}
	return nil
}

func (s *GormStore) SaveResponder(ctx context.Context, p models.ResponderProfile) error {
	if err := s.upsert(ctx, &p); err != nil {
		return errors.Wrapf(err, "save responder %s", p.ID)
	}
	return nil
}

// FindResponders 按 ID 排序返回响应者，activeOnly 时跳过已停用的
func (s *GormStore) FindResponders(ctx context.Context, activeOnly bool) ([]models.ResponderProfile, error) {
	var out []models.ResponderProfile
	q := s.db.WithContext(ctx).Order("id")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "find responders")
	}
	return out, nil
}

func (s *GormStore) FindAlert(ctx context.Context, id string) (models.Alert, error) {
	var a models.Alert
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return models.Alert{}, errors.NotFound("alert", id)
	}
	if err != nil {
		return models.Alert{}, errors.Wrapf(err, "find alert %s", id)
	}
	return a, nil
}

// FindWorkflow 按 ID 查询工作流
func (s *GormStore) FindWorkflow(ctx context.Context, id string) (models.SafetyWorkflow, error) {
	var w models.SafetyWorkflow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return models.SafetyWorkflow{}, errors.NotFound("workflow", id)
	}
	if err != nil {
		return models.SafetyWorkflow{}, errors.Wrapf(err, "find workflow %s", id)
	}
	return w, nil
}

// ListAlerts 按创建时间倒序分页，status 为空时不过滤
func (s *GormStore) ListAlerts(ctx context.Context, status string, offset, limit int) ([]models.Alert, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Alert{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count alerts")
	}
	if limit <= 0 {
		limit = 20
	}
	var out []models.Alert
	if err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list alerts")
	}
	return out, total, nil
}
