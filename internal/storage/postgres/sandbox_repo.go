package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// SandboxRepository implements sandbox record persistence with GORM.
// The SQLite backend reuses it on the same model.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Save inserts the record, or updates it when the ID already exists.
func (r *SandboxRepository) Save(ctx context.Context, rec *storage.SandboxRecord) error {
	model := toSandboxModel(rec)
	db := r.db.WithContext(ctx)

	var count int64
	if err := db.Model(&SandboxModel{}).Where("id = ?", model.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("checking sandbox %s: %w", model.ID, err)
	}
	if count == 0 {
		err := db.Create(&model).Error
		if err == nil {
			return nil
		}
		// A concurrent writer inserted the same ID; fall through to update.
		if !isUniqueViolation(err) {
			return fmt.Errorf("creating sandbox %s: %w", model.ID, err)
		}
	}

	if err := db.Model(&SandboxModel{}).Where("id = ?", model.ID).Updates(map[string]any{
		"backend":         model.Backend,
		"owner_id":        model.OwnerID,
		"conversation_id": model.ConversationID,
		"status":          model.Status,
		"last_used_at":    model.LastUsedAt,
	}).Error; err != nil {
		return fmt.Errorf("updating sandbox %s: %w", model.ID, err)
	}
	return nil
}

// Get retrieves a record by ID.
func (r *SandboxRepository) Get(ctx context.Context, id string) (*storage.SandboxRecord, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting sandbox %s: %w", id, err)
	}
	return toSandboxRecord(&model), nil
}

// Delete removes a record. Unknown IDs are not an error.
func (r *SandboxRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return nil
}

// ListIdle returns records whose last use is before the cutoff, oldest first.
func (r *SandboxRepository) ListIdle(ctx context.Context, before time.Time) ([]storage.SandboxRecord, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).
		Where("last_used_at < ?", before.UTC()).
		Order("last_used_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing idle sandboxes: %w", err)
	}
	recs := make([]storage.SandboxRecord, len(models))
	for i := range models {
		recs[i] = *toSandboxRecord(&models[i])
	}
	return recs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func toSandboxModel(rec *storage.SandboxRecord) SandboxModel {
	return SandboxModel{
		ID:             rec.ID,
		Backend:        rec.Backend,
		OwnerID:        rec.OwnerID,
		ConversationID: rec.ConversationID,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt.UTC(),
		LastUsedAt:     rec.LastUsedAt.UTC(),
	}
}

func toSandboxRecord(m *SandboxModel) *storage.SandboxRecord {
	return &storage.SandboxRecord{
		ID:             m.ID,
		Backend:        m.Backend,
		OwnerID:        m.OwnerID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		LastUsedAt:     m.LastUsedAt,
	}
}
