package database

import "time"

// EndpointRecord is an SSH endpoint managed through the database rather than
// the endpoints file.
type EndpointRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null" json:"name"`
	Host         string    `gorm:"not null" json:"host"`
	Port         int       `gorm:"not null;default:22" json:"port"`
	User         string    `json:"user"`
	IdentityFile string    `json:"identity_file"`
	Password     string    `json:"-"` // Fernet-encrypted
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog is one persisted audit event (pool lifecycle or remote call).
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Endpoint   string    `gorm:"index;not null" json:"endpoint"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
