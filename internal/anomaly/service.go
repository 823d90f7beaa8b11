package anomaly

import (
	"fmt"
	"time"

	"github.com/rewired-gh/spendwatch/internal/metrics"
	"github.com/rewired-gh/spendwatch/internal/models"
	"go.uber.org/zap"
)

// PreferenceStore loads and saves per-user preferences. A user with no saved
// state gets empty preferences, not an error.
type PreferenceStore interface {
	LoadPreferences(userID string) (models.UserPreferences, error)
	SavePreferences(prefs models.UserPreferences) error
}

// HistoryStore persists flagged records.
type HistoryStore interface {
	AddAnomalies(userID string, records []models.AnomalyRecord, detectedAt time.Time) error
}

// Notifier delivers a digest of flagged records.
type Notifier interface {
	SendDigest(userID string, records []models.AnomalyRecord) error
}

// Service loads preference state around Pipeline calls and persists the
// outcome. history and notifier are optional.
type Service struct {
	pipeline *Pipeline
	prefs    PreferenceStore
	history  HistoryStore
	notifier Notifier
	recorder *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(pipeline *Pipeline, prefs PreferenceStore, history HistoryStore, notifier Notifier, recorder *metrics.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pipeline: pipeline,
		prefs:    prefs,
		history:  history,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// MergeThresholds overlays request-supplied thresholds on the stored ones.
func MergeThresholds(stored, override map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(stored)+len(override))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Detect runs DetectCategory for userID with their stored preferences.
func (s *Service) Detect(userID string, transactions []models.Transaction, override map[string]float64) (Report, error) {
	prefs, err := s.prefs.LoadPreferences(userID)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	report, err := s.pipeline.DetectCategory(transactions, prefs.AcceptedRanges, MergeThresholds(prefs.AlertThresholds(), override))
	if err != nil {
		return Report{}, err
	}
	if err := s.afterDetection(userID, report.Anomalies); err != nil {
		return Report{}, err
	}
	return report, nil
}

// DetectUser runs DetectUser for userID with their stored preferences.
func (s *Service) DetectUser(userID string, byCategory map[string][]models.Transaction, override map[string]float64) (UserReport, error) {
	prefs, err := s.prefs.LoadPreferences(userID)
	if err != nil {
		return UserReport{}, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	report, err := s.pipeline.DetectUser(byCategory, prefs, MergeThresholds(prefs.AlertThresholds(), override))
	if err != nil {
		return UserReport{}, err
	}
	if err := s.afterDetection(userID, report.Anomalies); err != nil {
		return UserReport{}, err
	}
	return report, nil
}

// Feedback folds one feedback event into the user's stored preferences.
func (s *Service) Feedback(feedback models.Feedback) (models.FeedbackResult, error) {
	prefs, err := s.prefs.LoadPreferences(feedback.UserID)
	if err != nil {
		return models.FeedbackResult{}, fmt.Errorf("failed to load preferences for %s: %w", feedback.UserID, err)
	}
	next, result, err := s.pipeline.Preferences().ApplyFeedback(prefs, feedback)
	if err != nil {
		return result, err
	}
	if err := s.prefs.SavePreferences(next); err != nil {
		return models.FeedbackResult{}, fmt.Errorf("failed to save preferences for %s: %w", feedback.UserID, err)
	}

	switch {
	case result.UpdatedModel:
		s.recorder.Feedback("normal")
	case result.AlertSet:
		s.recorder.Feedback("alert")
	default:
		s.recorder.Feedback("recorded")
	}
	return result, nil
}

func (s *Service) afterDetection(userID string, anomalies []models.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}
	if s.history != nil {
		if err := s.history.AddAnomalies(userID, anomalies, s.now()); err != nil {
			return fmt.Errorf("failed to record anomaly history: %w", err)
		}
	}
	if s.notifier == nil {
		return nil
	}
	var high []models.AnomalyRecord
	for _, a := range anomalies {
		if a.Severity == models.SeverityHigh {
			high = append(high, a)
		}
	}
	if len(high) == 0 {
		return nil
	}
	if err := s.notifier.SendDigest(userID, high); err != nil {
		s.logger.Warn("Failed to send anomaly digest", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}
