// Package models defines the core domain entities: transactions, anomaly records, and user preferences.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Transaction is a single spending record as supplied by the caller.
// Fields the detector does not know about are kept in Extra and written back
// out unchanged when the record is serialized.
type Transaction struct {
	ID           string         `json:"id"`
	Amount       float64        `json:"amount"`
	Date         string         `json:"date"`
	Category     string         `json:"category"`
	CategoryName string         `json:"categoryName,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Description  string         `json:"description,omitempty"`
	Extra        map[string]any `json:"-"`
}

var knownTransactionKeys = map[string]bool{
	"id": true, "amount": true, "date": true, "category": true,
	"categoryName": true, "currency": true, "description": true,
}

// AbsAmount returns the unsigned amount used by every detector.
func (t Transaction) AbsAmount() float64 {
	return math.Abs(t.Amount)
}

// HasValidAmount reports whether the amount parsed to a finite number.
func (t Transaction) HasValidAmount() bool {
	return !math.IsNaN(t.Amount) && !math.IsInf(t.Amount, 0)
}

// DisplayCategory returns the human-readable category name.
func (t Transaction) DisplayCategory() string {
	if t.CategoryName != "" {
		return t.CategoryName
	}
	if t.Category != "" {
		return t.Category
	}
	return "this category"
}

// Validate checks the fields the detector cannot work without.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return errors.New("transaction ID must not be empty")
	}
	if !t.HasValidAmount() {
		return fmt.Errorf("transaction %s: amount is not a number", t.ID)
	}
	if strings.TrimSpace(t.Date) == "" {
		return fmt.Errorf("transaction %s: date must not be empty", t.ID)
	}
	return nil
}

// Clone returns a deep copy, including the extension map.
func (t Transaction) Clone() Transaction {
	c := t
	if t.Extra != nil {
		c.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// UnmarshalJSON accepts amounts as JSON numbers or strings and ids as strings
// or numbers. An amount that cannot be parsed becomes NaN so the record can be
// skipped later without failing the whole batch.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Transaction{}
	t.ID = rawString(raw["id"])
	t.Amount = rawAmount(raw["amount"])
	t.Date = rawString(raw["date"])
	t.Category = rawString(raw["category"])
	t.CategoryName = rawString(raw["categoryName"])
	t.Currency = strings.ToUpper(rawString(raw["currency"]))
	t.Description = rawString(raw["description"])

	for k, v := range raw {
		if knownTransactionKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = val
	}
	return nil
}

// MarshalJSON writes the known fields followed by the extension fields.
// Known fields always win over an extension key with the same name.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.fieldMap())
}

func (t Transaction) fieldMap() map[string]any {
	out := make(map[string]any, len(t.Extra)+7)
	for k, v := range t.Extra {
		out[k] = v
	}
	out["id"] = t.ID
	if t.HasValidAmount() {
		out["amount"] = t.Amount
	} else {
		out["amount"] = nil
	}
	out["date"] = t.Date
	out["category"] = t.Category
	if t.CategoryName != "" {
		out["categoryName"] = t.CategoryName
	}
	if t.Currency != "" {
		out["currency"] = t.Currency
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	return out
}

func rawString(msg json.RawMessage) string {
	if len(msg) == 0 || string(msg) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err == nil {
		return n.String()
	}
	return ""
}

func rawAmount(msg json.RawMessage) float64 {
	if len(msg) == 0 || string(msg) == "null" {
		return math.NaN()
	}
	text := rawString(msg)
	text = strings.TrimSpace(strings.ReplaceAll(text, ",", ""))
	d, err := decimal.NewFromString(text)
	if err != nil {
		return math.NaN()
	}
	f, _ := d.Float64()
	return f
}
