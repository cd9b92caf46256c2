package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the payload of a record in the transactions
// collection. Amounts are exact decimals; negative amounts are
// expenses, positive amounts are income.
type Transaction struct {
	Amount   decimal.Decimal `json:"amount"`
	Category string          `json:"category"`
	Note     string          `json:"note,omitempty"`
	Date     time.Time       `json:"date"`
}

// Validate checks the transaction field values.
func (t Transaction) Validate() error {
	if t.Amount.IsZero() {
		return fmt.Errorf("amount must be non-zero")
	}
	if t.Category == "" {
		return fmt.Errorf("category is required")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// Budget is the payload of a record in the budgets collection:
// a spending limit for one category in one month.
type Budget struct {
	Category string          `json:"category"`
	Limit    decimal.Decimal `json:"limit"`
	// Month in "2006-01" form.
	Month string `json:"month"`
}

// Validate checks the budget field values.
func (b Budget) Validate() error {
	if b.Category == "" {
		return fmt.Errorf("category is required")
	}
	if b.Limit.IsNegative() || b.Limit.IsZero() {
		return fmt.Errorf("limit must be positive")
	}
	if _, err := time.Parse("2006-01", b.Month); err != nil {
		return fmt.Errorf("month must be in YYYY-MM form: %w", err)
	}
	return nil
}

// Goal is the payload of a record in the goals collection.
type Goal struct {
	Name     string          `json:"name"`
	Target   decimal.Decimal `json:"target"`
	Saved    decimal.Decimal `json:"saved"`
	Deadline *time.Time      `json:"deadline,omitempty"`
}

// Validate checks the goal field values.
func (g Goal) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if g.Target.IsNegative() || g.Target.IsZero() {
		return fmt.Errorf("target must be positive")
	}
	if g.Saved.IsNegative() {
		return fmt.Errorf("saved cannot be negative")
	}
	return nil
}

// EncodeFields marshals a typed payload for storage in a Record
// envelope.
func EncodeFields(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record fields: %w", err)
	}
	return data, nil
}

// DecodeFields unmarshals a Record payload into a typed value.
func DecodeFields(fields json.RawMessage, v any) error {
	if len(fields) == 0 {
		return fmt.Errorf("record has no fields")
	}
	if err := json.Unmarshal(fields, v); err != nil {
		return fmt.Errorf("failed to decode record fields: %w", err)
	}
	return nil
}
