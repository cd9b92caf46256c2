package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/ui"
)

var (
	updateAmount   string
	updateCategory string
	updateNote     string
	updateDate     string
	updateJSON     string
)

var updateCmd = &cobra.Command{
	Use:   "update <entity> <key>",
	Short: "Edit a record",
	Long: `Edit a record in the local cache and queue the change for the server.

For transactions, individual fields can be changed with flags:

  finch update transactions 3f1a2b4c --amount -42.00 --note "corrected"

For any entity type, --json replaces the full payload:

  finch update goals 3f1a2b4c --json '{"name":"Vacation","target":"2500","saved":"800"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et := record.EntityType(args[0])
		if !et.Valid() {
			return fmt.Errorf("unknown entity type %q", args[0])
		}
		key := args[1]

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		recs, err := svc.store.GetActive(et)
		if err != nil {
			return err
		}
		var rec *record.Record
		for i := range recs {
			if recs[i].Key() == key || recs[i].ClientID == key {
				rec = &recs[i]
				break
			}
		}
		if rec == nil {
			return fmt.Errorf("no %s record with key %s", et, key)
		}

		fields, err := updatedFields(et, *rec)
		if err != nil {
			return err
		}
		rec.Fields = fields

		if _, err := svc.syncer.SubmitUpdate(et, *rec); err != nil {
			return err
		}

		fmt.Printf("%s Updated %s %s (queued for server)\n", ui.RenderPass("✓"), et, key)
		return nil
	},
}

// updatedFields applies the flag edits on top of the record's current
// payload and validates the result.
func updatedFields(et record.EntityType, rec record.Record) (json.RawMessage, error) {
	if updateJSON != "" {
		return validatedFields(et, json.RawMessage(updateJSON))
	}

	if et != record.EntityTransactions {
		return nil, fmt.Errorf("field flags only apply to transactions; use --json for %s", et)
	}

	var tx record.Transaction
	if err := record.DecodeFields(rec.Fields, &tx); err != nil {
		return nil, err
	}

	if updateAmount != "" {
		amount, err := decimal.NewFromString(updateAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", updateAmount, err)
		}
		tx.Amount = amount
	}
	if updateCategory != "" {
		tx.Category = updateCategory
	}
	if updateNote != "" {
		tx.Note = updateNote
	}
	if updateDate != "" {
		date, err := parseNaturalDate(updateDate)
		if err != nil {
			return nil, err
		}
		tx.Date = date
	}

	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return record.EncodeFields(tx)
}

// validatedFields decodes a raw payload as the entity's type to reject
// malformed edits before they queue.
func validatedFields(et record.EntityType, raw json.RawMessage) (json.RawMessage, error) {
	switch et {
	case record.EntityTransactions:
		var tx record.Transaction
		if err := record.DecodeFields(raw, &tx); err != nil {
			return nil, err
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("invalid transaction: %w", err)
		}
	case record.EntityBudgets:
		var b record.Budget
		if err := record.DecodeFields(raw, &b); err != nil {
			return nil, err
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("invalid budget: %w", err)
		}
	case record.EntityGoals:
		var g record.Goal
		if err := record.DecodeFields(raw, &g); err != nil {
			return nil, err
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("invalid goal: %w", err)
		}
	}
	return raw, nil
}

func init() {
	updateCmd.Flags().StringVar(&updateAmount, "amount", "", "new amount (transactions)")
	updateCmd.Flags().StringVar(&updateCategory, "category", "", "new category (transactions)")
	updateCmd.Flags().StringVar(&updateNote, "note", "", "new note (transactions)")
	updateCmd.Flags().StringVar(&updateDate, "date", "", "new date (transactions)")
	updateCmd.Flags().StringVar(&updateJSON, "json", "", "full replacement payload as JSON")
	rootCmd.AddCommand(updateCmd)
}
