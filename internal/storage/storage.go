// Package storage provides SQLite-backed persistence for user preferences
// and anomaly history, plus a JSON file store for preferences.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/spendwatch/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxHistory int
}

// New opens or creates the SQLite database at dbPath. maxHistory caps the
// stored anomalies per user; zero or less keeps everything.
// An empty dbPath defaults to $TMPDIR/spendwatch/data.db.
func New(maxHistory int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "spendwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxHistory: maxHistory}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accepted_ranges (
			user_id    TEXT NOT NULL,
			range_key  TEXT NOT NULL,
			accepted   INTEGER NOT NULL,
			PRIMARY KEY (user_id, range_key)
		)`,
		`CREATE TABLE IF NOT EXISTS category_alerts (
			user_id    TEXT NOT NULL,
			category   TEXT NOT NULL,
			threshold  REAL NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, category)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			transaction_id   TEXT NOT NULL,
			category         TEXT NOT NULL,
			amount           REAL NOT NULL,
			detection_method TEXT NOT NULL,
			anomaly_score    REAL NOT NULL,
			severity         TEXT NOT NULL,
			record           TEXT NOT NULL,
			detected_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_user_score ON anomalies(user_id, anomaly_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadPreferences returns the stored preferences for userID. A user with no
// rows gets empty preferences.
func (s *Storage) LoadPreferences(userID string) (models.UserPreferences, error) {
	prefs := models.NewUserPreferences(userID)

	rows, err := s.db.Query(`SELECT range_key, accepted FROM accepted_ranges WHERE user_id = ?`, userID)
	if err != nil {
		return prefs, fmt.Errorf("failed to query accepted ranges: %w", err)
	}
	for rows.Next() {
		var key string
		var accepted int
		if err := rows.Scan(&key, &accepted); err != nil {
			rows.Close()
			return prefs, fmt.Errorf("failed to scan accepted range: %w", err)
		}
		prefs.AcceptedRanges[key] = accepted != 0
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return prefs, err
	}

	alerts, err := s.ListAlerts(userID)
	if err != nil {
		return prefs, err
	}
	prefs.CategoryAlerts = alerts
	return prefs, nil
}

// ListAlerts returns every alert of userID, active or not, ordered by category.
func (s *Storage) ListAlerts(userID string) ([]models.CategoryAlert, error) {
	rows, err := s.db.Query(`
		SELECT category, threshold, active FROM category_alerts
		WHERE user_id = ? ORDER BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query category alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.CategoryAlert{}
	for rows.Next() {
		var a models.CategoryAlert
		var active int
		if err := rows.Scan(&a.Category, &a.Threshold, &active); err != nil {
			return nil, fmt.Errorf("failed to scan category alert: %w", err)
		}
		a.Active = active != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SavePreferences replaces everything stored for prefs.UserID.
func (s *Storage) SavePreferences(prefs models.UserPreferences) error {
	if prefs.UserID == "" {
		return errors.New("user ID must not be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM accepted_ranges WHERE user_id = ?`, prefs.UserID); err != nil {
		return fmt.Errorf("failed to clear accepted ranges: %w", err)
	}
	for key, accepted := range prefs.AcceptedRanges {
		if _, err := tx.Exec(`INSERT INTO accepted_ranges (user_id, range_key, accepted) VALUES (?,?,?)`,
			prefs.UserID, key, boolToInt(accepted)); err != nil {
			return fmt.Errorf("failed to insert accepted range: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM category_alerts WHERE user_id = ?`, prefs.UserID); err != nil {
		return fmt.Errorf("failed to clear category alerts: %w", err)
	}
	now := time.Now().UnixNano()
	for _, a := range prefs.CategoryAlerts {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO category_alerts (user_id, category, threshold, active, updated_at)
			VALUES (?,?,?,?,?)`,
			prefs.UserID, a.Category, a.Threshold, boolToInt(a.Active), now); err != nil {
			return fmt.Errorf("failed to insert category alert: %w", err)
		}
	}

	return tx.Commit()
}

// AddAnomalies stores flagged records for userID and trims the user's
// history to the newest maxHistory entries.
func (s *Storage) AddAnomalies(userID string, records []models.AnomalyRecord, detectedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal anomaly %s: %w", r.ID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO anomalies
				(id, user_id, transaction_id, category, amount, detection_method,
				 anomaly_score, severity, record, detected_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			uuid.New().String(), userID, r.ID, r.Category, r.AbsAmount(), string(r.DetectionMethod),
			r.AnomalyScore, string(r.Severity), string(data), detectedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert anomaly: %w", err)
		}
	}

	if s.maxHistory > 0 {
		if _, err := tx.Exec(`
			DELETE FROM anomalies WHERE user_id = ? AND id NOT IN (
				SELECT id FROM anomalies WHERE user_id = ?
				ORDER BY detected_at DESC, anomaly_score DESC LIMIT ?
			)`, userID, userID, s.maxHistory); err != nil {
			return fmt.Errorf("failed to enforce history cap: %w", err)
		}
	}

	return tx.Commit()
}

// GetTopAnomalies returns up to k history entries for userID, highest score first.
func (s *Storage) GetTopAnomalies(userID string, k int) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(`SELECT `+historyCols+` FROM anomalies
		WHERE user_id = ? ORDER BY anomaly_score DESC, detected_at DESC LIMIT ?`, userID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAnomaly returns one history entry by its id.
func (s *Storage) GetAnomaly(id string) (models.HistoryEntry, error) {
	row := s.db.QueryRow(`SELECT `+historyCols+` FROM anomalies WHERE id = ?`, id)
	e, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		return models.HistoryEntry{}, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return e, nil
}

// ClearAnomalies removes the history of userID.
func (s *Storage) ClearAnomalies(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM anomalies WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear anomalies: %w", err)
	}
	return nil
}

const historyCols = `id, user_id, record, detected_at`

func scanHistory(scan func(...any) error) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	var record string
	var detectedAtNano int64
	if err := scan(&e.ID, &e.UserID, &record, &detectedAtNano); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(record), &e.Record); err != nil {
		return e, fmt.Errorf("failed to unmarshal anomaly record: %w", err)
	}
	e.DetectedAt = time.Unix(0, detectedAtNano)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
