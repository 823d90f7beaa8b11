package models

import (
	"encoding/json"
	"errors"
	"time"
)

// CategoryAlert is a user-defined spending threshold for one category.
// The JSON shape matches the persisted category_alerts.json entries.
type CategoryAlert struct {
	Category  string  `json:"category"`
	Threshold float64 `json:"threshold"`
	Active    bool    `json:"active"`
}

// UnmarshalJSON treats an entry without an "active" key as active.
func (a *CategoryAlert) UnmarshalJSON(data []byte) error {
	type plain CategoryAlert
	aux := plain{Active: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = CategoryAlert(aux)
	return nil
}

// UserPreferences is the per-user state the detector reads and feedback mutates.
// AcceptedRanges keys are "{category}_{tier}".
type UserPreferences struct {
	UserID         string          `json:"user_id"`
	AcceptedRanges map[string]bool `json:"accepted_ranges"`
	CategoryAlerts []CategoryAlert `json:"category_alerts"`
}

// NewUserPreferences returns an empty preference set for userID.
func NewUserPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:         userID,
		AcceptedRanges: make(map[string]bool),
	}
}

// Clone returns a deep copy so feedback never mutates a caller's state.
func (p UserPreferences) Clone() UserPreferences {
	c := UserPreferences{
		UserID:         p.UserID,
		AcceptedRanges: make(map[string]bool, len(p.AcceptedRanges)),
		CategoryAlerts: make([]CategoryAlert, len(p.CategoryAlerts)),
	}
	for k, v := range p.AcceptedRanges {
		c.AcceptedRanges[k] = v
	}
	copy(c.CategoryAlerts, p.CategoryAlerts)
	return c
}

// AlertThresholds returns the thresholds of active alerts keyed by category.
func (p UserPreferences) AlertThresholds() map[string]float64 {
	out := make(map[string]float64)
	for _, a := range p.CategoryAlerts {
		if a.Active {
			out[a.Category] = a.Threshold
		}
	}
	return out
}

// Feedback is a user's verdict on one flagged transaction.
type Feedback struct {
	TransactionID  string   `json:"transaction_id"`
	UserID         string   `json:"user_id"`
	IsNormal       bool     `json:"is_normal"`
	Amount         float64  `json:"anomaly_amount"`
	Category       string   `json:"category"`
	SetAlert       bool     `json:"set_alert,omitempty"`
	AlertThreshold *float64 `json:"alert_threshold,omitempty"`
}

// Validate checks feedback field constraints.
func (f *Feedback) Validate() error {
	if f.TransactionID == "" {
		return errors.New("transaction ID must not be empty")
	}
	if f.Category == "" {
		return errors.New("category must not be empty")
	}
	if f.Amount < 0 {
		return errors.New("anomaly amount must not be negative")
	}
	if f.SetAlert && f.AlertThreshold != nil && *f.AlertThreshold < 0 {
		return errors.New("alert threshold must not be negative")
	}
	return nil
}

// FeedbackResult reports what a feedback event changed.
type FeedbackResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	UpdatedModel bool   `json:"updated_model"`
	AlertSet     bool   `json:"alert_set"`
}

// HistoryEntry is a flagged record persisted for later review.
type HistoryEntry struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Record     AnomalyRecord `json:"record"`
	DetectedAt time.Time     `json:"detected_at"`
}
