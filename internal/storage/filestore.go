package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rewired-gh/spendwatch/internal/models"
)

const (
	acceptedRangesFile = "accepted_ranges.json"
	categoryAlertsFile = "category_alerts.json"
)

// FileStore keeps preferences as JSON files under a data directory:
//
//	{dataDir}/user_feedback/{user}/accepted_ranges.json  flat map of range key to bool
//	{dataDir}/alerts/{user}/category_alerts.json         array of {category, threshold, active}
type FileStore struct {
	dataDir  string
	fileMode os.FileMode
	dirMode  os.FileMode
}

// NewFileStore returns a store rooted at dataDir. Zero modes default to 0644 and 0755.
func NewFileStore(dataDir string, fileMode, dirMode os.FileMode) (*FileStore, error) {
	if dataDir == "" {
		return nil, errors.New("data directory must not be empty")
	}
	if fileMode == 0 {
		fileMode = 0o644
	}
	if dirMode == 0 {
		dirMode = 0o755
	}
	if err := os.MkdirAll(dataDir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dataDir: dataDir, fileMode: fileMode, dirMode: dirMode}, nil
}

func (f *FileStore) rangesPath(userID string) string {
	return filepath.Join(f.dataDir, "user_feedback", userID, acceptedRangesFile)
}

func (f *FileStore) alertsPath(userID string) string {
	return filepath.Join(f.dataDir, "alerts", userID, categoryAlertsFile)
}

// LoadPreferences reads both files. Missing files mean empty preferences.
func (f *FileStore) LoadPreferences(userID string) (models.UserPreferences, error) {
	prefs := models.NewUserPreferences(userID)
	if err := checkUserID(userID); err != nil {
		return prefs, err
	}
	if err := readJSON(f.rangesPath(userID), &prefs.AcceptedRanges); err != nil {
		return prefs, fmt.Errorf("failed to read accepted ranges: %w", err)
	}
	if prefs.AcceptedRanges == nil {
		prefs.AcceptedRanges = make(map[string]bool)
	}
	if err := readJSON(f.alertsPath(userID), &prefs.CategoryAlerts); err != nil {
		return prefs, fmt.Errorf("failed to read category alerts: %w", err)
	}
	return prefs, nil
}

// ListAlerts returns every alert of userID, active or not.
func (f *FileStore) ListAlerts(userID string) ([]models.CategoryAlert, error) {
	prefs, err := f.LoadPreferences(userID)
	if err != nil {
		return nil, err
	}
	if prefs.CategoryAlerts == nil {
		return []models.CategoryAlert{}, nil
	}
	return prefs.CategoryAlerts, nil
}

// SavePreferences writes both files, each replaced atomically.
func (f *FileStore) SavePreferences(prefs models.UserPreferences) error {
	if err := checkUserID(prefs.UserID); err != nil {
		return err
	}
	ranges := prefs.AcceptedRanges
	if ranges == nil {
		ranges = map[string]bool{}
	}
	if err := f.writeJSON(f.rangesPath(prefs.UserID), ranges); err != nil {
		return fmt.Errorf("failed to write accepted ranges: %w", err)
	}
	alerts := prefs.CategoryAlerts
	if alerts == nil {
		alerts = []models.CategoryAlert{}
	}
	if err := f.writeJSON(f.alertsPath(prefs.UserID), alerts); err != nil {
		return fmt.Errorf("failed to write category alerts: %w", err)
	}
	return nil
}

func (f *FileStore) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), f.dirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, f.fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func checkUserID(userID string) error {
	if userID == "" {
		return errors.New("user ID must not be empty")
	}
	if strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return fmt.Errorf("invalid user ID %q", userID)
	}
	return nil
}
