package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		name    string
		tx      Transaction
		wantErr bool
	}{
		{
			name:    "valid transaction",
			tx:      Transaction{ID: "tx1", Amount: 12.5, Date: "2023-10-01", Category: "grocery"},
			wantErr: false,
		},
		{
			name:    "empty ID",
			tx:      Transaction{Amount: 12.5, Date: "2023-10-01"},
			wantErr: true,
		},
		{
			name:    "NaN amount",
			tx:      Transaction{ID: "tx1", Amount: math.NaN(), Date: "2023-10-01"},
			wantErr: true,
		},
		{
			name:    "empty date",
			tx:      Transaction{ID: "tx1", Amount: 1, Date: "  "},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() error = %v", err)
		})
	}
}

func TestTransactionUnmarshal_LenientFields(t *testing.T) {
	data := `{"id": 17, "amount": "-1,250.40", "date": "2023-10-01", "category": "rent",
		"currency": "usd", "userId": "user123", "tags": ["a"]}`

	var tx Transaction
	require.NoError(t, json.Unmarshal([]byte(data), &tx))

	assert.Equal(t, "17", tx.ID)
	assert.InDelta(t, -1250.40, tx.Amount, 1e-9)
	assert.InDelta(t, 1250.40, tx.AbsAmount(), 1e-9)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, "user123", tx.Extra["userId"])
	assert.Len(t, tx.Extra, 2)
}

func TestTransactionUnmarshal_BadAmountBecomesNaN(t *testing.T) {
	var tx Transaction
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","amount":"twelve","date":"2023-10-01"}`), &tx))
	assert.False(t, tx.HasValidAmount())

	out, err := json.Marshal(tx)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"amount":null`)
}

func TestAnomalyRecordJSONRoundTrip(t *testing.T) {
	score := 0.8
	rec := AnomalyRecord{
		Transaction: Transaction{
			ID: "tx5", Amount: 250, Date: "2023-10-29", Category: "grocery",
			Extra: map[string]any{"userId": "user123"},
		},
		DetectionMethod: MethodIsolationForest,
		AnomalyScore:    0.91,
		ModelScore:      &score,
		CategoryAvg:     91.55,
		CategoryRatio:   2.73,
		ZScore:          2,
		Reason:          "unusual",
		Severity:        SeverityHigh,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "tx5", flat["id"])
	assert.Equal(t, "isolation_forest", flat["detection_method"])
	assert.Equal(t, "user123", flat["userId"])

	var back AnomalyRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.Severity, back.Severity)
	assert.Equal(t, map[string]any{"userId": "user123"}, back.Extra)
	require.NotNil(t, back.ModelScore)
	assert.InDelta(t, 0.8, *back.ModelScore, 1e-12)
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Less(t, SeverityLow.Rank(), Severity("").Rank())
}

func TestUserPreferences_CloneAndThresholds(t *testing.T) {
	p := NewUserPreferences("u1")
	p.AcceptedRanges["dining_low"] = true
	p.CategoryAlerts = []CategoryAlert{
		{Category: "dining", Threshold: 100, Active: true},
		{Category: "travel", Threshold: 500, Active: false},
	}

	c := p.Clone()
	c.AcceptedRanges["dining_medium"] = true
	c.CategoryAlerts[0].Threshold = 5

	assert.Len(t, p.AcceptedRanges, 1)
	assert.Equal(t, 100.0, p.CategoryAlerts[0].Threshold)
	assert.Equal(t, map[string]float64{"dining": 100}, p.AlertThresholds())
}

func TestCategoryAlertUnmarshal_DefaultsActive(t *testing.T) {
	var alerts []CategoryAlert
	require.NoError(t, json.Unmarshal([]byte(`[
		{"category": "dining", "threshold": 80},
		{"category": "travel", "threshold": 500, "active": false}
	]`), &alerts))
	assert.Equal(t, []CategoryAlert{
		{Category: "dining", Threshold: 80, Active: true},
		{Category: "travel", Threshold: 500, Active: false},
	}, alerts)
}

func TestFeedbackValidate(t *testing.T) {
	neg := -1.0
	assert.NoError(t, (&Feedback{TransactionID: "t", Category: "c", Amount: 3}).Validate())
	assert.Error(t, (&Feedback{Category: "c"}).Validate())
	assert.Error(t, (&Feedback{TransactionID: "t"}).Validate())
	assert.Error(t, (&Feedback{TransactionID: "t", Category: "c", SetAlert: true, AlertThreshold: &neg}).Validate())
}
