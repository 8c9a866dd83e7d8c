package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
	"github.com/gluk-w/claworc/scout/internal/config"
	"github.com/gluk-w/claworc/scout/internal/crypto"
	"github.com/gluk-w/claworc/scout/internal/database"
	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/sshaudit"
	"github.com/gluk-w/claworc/scout/internal/sshdial"
	"github.com/gluk-w/claworc/scout/internal/sshkeys"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// app is everything a command needs, built once per invocation.
type app struct {
	settings  *config.Settings
	db        *gorm.DB
	box       *crypto.Box
	registry  *endpoints.Registry
	metrics   *prometheus.Registry
	pool      *sshpool.Pool
	executor  *broadcast.Executor
	auditor   *sshaudit.Auditor
	maxOutput int64
}

// openStore opens the database and its secret box without touching SSH.
func openStore(settings *config.Settings) (*gorm.DB, *crypto.Box, error) {
	db, err := database.Open(settings.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("database init: %w", err)
	}
	box, err := crypto.LoadOrCreate(db)
	if err != nil {
		database.Close(db)
		return nil, nil, fmt.Errorf("secret box init: %w", err)
	}
	return db, box, nil
}

// loadRegistry merges the endpoints file with database endpoints. File
// entries win on name conflicts. A missing file is not an error.
func loadRegistry(settings *config.Settings, db *gorm.DB, box *crypto.Box) (*endpoints.Registry, error) {
	fileReg, err := endpoints.LoadFile(settings.EndpointsFile, settings.DefaultUser)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("No endpoints file at %s, using database endpoints only", settings.EndpointsFile)
		fileReg, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	dbReg, err := endpoints.LoadDatabase(db, box, settings.DefaultUser)
	if err != nil {
		return nil, fmt.Errorf("load database endpoints: %w", err)
	}
	return endpoints.Merge(fileReg, dbReg), nil
}

func wireApp(settings *config.Settings) (*app, error) {
	maxOutput, err := settings.MaxOutputBytes()
	if err != nil {
		return nil, err
	}

	db, box, err := openStore(settings)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, db: db, box: box, maxOutput: maxOutput}
	ok := false
	defer func() {
		if !ok {
			database.Close(db)
		}
	}()

	if a.registry, err = loadRegistry(settings, db, box); err != nil {
		return nil, err
	}

	signer, publicKey, err := sshkeys.EnsureKeyPair(settings.DataPath)
	if err != nil {
		return nil, fmt.Errorf("SSH key init: %w", err)
	}
	dialer, err := sshdial.New(sshdial.Config{
		DefaultUser:       settings.DefaultUser,
		Signer:            signer,
		KnownHostsFile:    settings.KnownHostsFile,
		ConnectTimeout:    settings.ConnectTimeout,
		KeepaliveInterval: settings.KeepaliveInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("SSH dialer init: %w", err)
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	poolMetrics, err := sshpool.NewMetrics(a.metrics)
	if err != nil {
		return nil, err
	}
	broadcastMetrics, err := broadcast.NewMetrics(a.metrics)
	if err != nil {
		return nil, err
	}

	a.auditor = sshaudit.NewAuditor(db, settings.AuditRetentionDays)
	a.pool = sshpool.New(dialer, sshpool.Config{
		MaxSize:     settings.MaxPoolSize,
		IdleTimeout: settings.IdleTimeout,
		Metrics:     poolMetrics,
	})
	a.pool.OnEvent(a.auditor.PoolListener())

	a.executor = broadcast.New(a.registry, a.pool, broadcast.Config{
		MaxOutputBytes: maxOutput,
		Metrics:        broadcastMetrics,
	})
	a.executor.OnComplete(a.auditor.RecordBroadcast)

	log.Printf("Initialized: %d endpoint(s), pool max=%d idle=%s, client key %d bytes",
		a.registry.Len(), settings.MaxPoolSize, settings.IdleTimeout, len(publicKey))
	ok = true
	return a, nil
}

// close drains the pool and releases the database. It must be called once.
func (a *app) close() {
	a.pool.CloseAll()
	if err := database.Close(a.db); err != nil {
		log.Printf("Database close: %v", err)
	}
}
