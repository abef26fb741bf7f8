package postgres

import "time"

// SandboxModel maps to the "sandboxes" table.
type SandboxModel struct {
	ID             string    `gorm:"primaryKey"`
	Backend        string    `gorm:"not null"`
	OwnerID        string    `gorm:"not null;index"`
	ConversationID string    `gorm:"index"`
	Status         string    `gorm:"not null;default:'disconnected'"`
	CreatedAt      time.Time `gorm:"not null"`
	LastUsedAt     time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }
