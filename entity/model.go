package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Model is a trained adapter artifact published to the blob store
type Model struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID      `json:"job_id" gorm:"type:uuid;not null;uniqueIndex"`
	Name        string         `json:"name" gorm:"type:varchar(255);not null"`
	Version     string         `json:"version" gorm:"type:varchar(32);not null;default:'v1'"`
	StorageKey  string         `json:"storage_key" gorm:"type:varchar(1024);not null"`
	SizeBytes   int64          `json:"size_bytes" gorm:"not null"`
	TriggerWord string         `json:"trigger_word,omitempty" gorm:"type:varchar(255)"`
	Metadata    datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null;autoCreateTime"`
}
