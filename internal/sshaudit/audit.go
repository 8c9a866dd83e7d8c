// Package sshaudit persists an audit trail of pool lifecycle events and
// remote calls.
package sshaudit

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
	"github.com/gluk-w/claworc/scout/internal/database"
	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// Event types for remote calls. Pool events are stored as "pool_<type>".
const (
	EventBroadcast = "broadcast"
	EventCommand   = "command_execution"
	EventRead      = "file_read"
	EventLogStream = "log_stream"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log row.
type Entry struct {
	Endpoint   string
	EventType  string
	Details    string
	DurationMs int64
	Success    bool
}

// Auditor records and queries audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0 or less,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log writes one audit row and mirrors it to the standard logger.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		Endpoint:   entry.Endpoint,
		EventType:  entry.EventType,
		Details:    entry.Details,
		DurationMs: entry.DurationMs,
		Success:    entry.Success,
		CreatedAt:  a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	log.Printf("[audit] %s endpoint=%s success=%t details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Endpoint),
		entry.Success,
		logutil.SanitizeForLog(logutil.Truncate(entry.Details)),
	)
	return nil
}

// PoolListener returns an sshpool listener that records every pool event
// except reuse, which is too frequent to be worth keeping.
func (a *Auditor) PoolListener() sshpool.EventListener {
	return func(e sshpool.PoolEvent) {
		if e.Type == sshpool.EventReused {
			return
		}
		a.Log(Entry{
			Endpoint:  e.Endpoint,
			EventType: "pool_" + string(e.Type),
			Details:   e.Details,
			Success:   e.Type != sshpool.EventDialFailed,
		})
	}
}

// RecordBroadcast writes one row per target of a finished broadcast.
func (a *Auditor) RecordBroadcast(r broadcast.Report) {
	for _, o := range r.Outcomes {
		a.RecordOutcome(EventBroadcast, r.ID, r.Operation, o)
	}
}

// RecordOutcome writes one row for a single remote call.
func (a *Auditor) RecordOutcome(eventType, callID string, op broadcast.Operation, o broadcast.TargetOutcome) {
	a.Log(Entry{
		Endpoint:   o.Endpoint,
		EventType:  eventType,
		Details:    describe(callID, op, o),
		DurationMs: o.Duration.Milliseconds(),
		Success:    o.Success,
	})
}

func describe(callID string, op broadcast.Operation, o broadcast.TargetOutcome) string {
	parts := []string{}
	if callID != "" {
		parts = append(parts, "id="+callID)
	}
	parts = append(parts, "op="+string(op.Kind))
	if op.Command != "" {
		parts = append(parts, "cmd="+op.Command)
	}
	if o.Path != "" {
		parts = append(parts, "path="+o.Path)
	}
	if !o.Success {
		parts = append(parts, "error="+o.Error)
	}
	return strings.Join(parts, " ")
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	Endpoint  string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.Endpoint != "" {
		tx = tx.Where("endpoint = ?", opts.Endpoint)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or than the configured
// retention when days is 0 or less. Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// Schedule registers the retention purge on c using a standard cron spec or
// descriptor such as "@daily".
func (a *Auditor) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		a.PurgeOlderThan(0)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule audit purge %q: %w", spec, err)
	}
	log.Printf("[audit] retention purge scheduled (%s, keep %d days)", spec, a.retentionDays)
	return id, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}
