package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrSettingNotFound is returned by GetSetting for unknown keys.
var ErrSettingNotFound = errors.New("setting not found")

// Open opens (creating if needed) the sqlite database at path, enables WAL
// and migrates all models.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables for all models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&EndpointRecord{}, &Setting{}, &AuditLog{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrSettingNotFound
		}
		return "", err
	}
	return s.Value, nil
}

func SetSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// ListEndpoints returns all endpoint records ordered by name.
func ListEndpoints(db *gorm.DB) ([]EndpointRecord, error) {
	var records []EndpointRecord
	if err := db.Order("name").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return records, nil
}

// SaveEndpoint inserts or updates an endpoint record by name.
func SaveEndpoint(db *gorm.DB, rec *EndpointRecord) error {
	var existing EndpointRecord
	err := db.Where("name = ?", rec.Name).First(&existing).Error
	switch {
	case err == nil:
		rec.ID = existing.ID
		return db.Save(rec).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(rec).Error
	default:
		return fmt.Errorf("save endpoint %s: %w", rec.Name, err)
	}
}
