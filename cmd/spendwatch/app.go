package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rewired-gh/spendwatch/internal/anomaly"
	"github.com/rewired-gh/spendwatch/internal/config"
	"github.com/rewired-gh/spendwatch/internal/logger"
	"github.com/rewired-gh/spendwatch/internal/metrics"
	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/rewired-gh/spendwatch/internal/storage"
	"github.com/rewired-gh/spendwatch/internal/telegram"
)

// preferenceStore is what both storage backends offer.
type preferenceStore interface {
	anomaly.PreferenceStore
	ListAlerts(userID string) ([]models.CategoryAlert, error)
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	pipeline *anomaly.Pipeline
	prefs    preferenceStore
	db       *storage.Storage // nil for the file backend
	service  *anomaly.Service
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	pipeline := anomaly.New(cfg.PipelineConfig(), log, recorder, time.Now)

	a := &app{cfg: cfg, logger: log, registry: registry, pipeline: pipeline}

	var history anomaly.HistoryStore
	switch cfg.Storage.Backend {
	case "file":
		fs, err := storage.NewFileStore(cfg.Storage.DataDir, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
		a.prefs = fs
	default:
		db, err := storage.New(cfg.Storage.MaxHistory, cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.db = db
		a.prefs = db
		history = db
	}

	var notifier anomaly.Notifier
	if cfg.Telegram.Enabled {
		client, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifier = client
		log.Debug("Telegram client initialized")
	} else {
		log.Debug("Telegram notifications disabled")
	}

	a.service = anomaly.NewService(pipeline, a.prefs, history, notifier, recorder, log)
	return a, nil
}

func (a *app) close() {
	if err := metrics.WriteTextfile(a.cfg.Metrics.TextfilePath, a.registry); err != nil {
		a.logger.Warn("Failed to write metrics textfile", zap.String("path", a.cfg.Metrics.TextfilePath), zap.Error(err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close storage", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// withApp runs fn against a freshly wired app and tears it down afterwards.
func withApp(opts *globalOptions, fn func(a *app) error) error {
	if opts.cfg == nil {
		return errors.New("configuration not loaded")
	}
	a, err := newApp(opts.cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// readRequest decodes JSON from path, or from the command's stdin when path is empty or "-".
func readRequest(cmd *cobra.Command, path string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
