package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/ui"
)

var (
	addAmount   string
	addCategory string
	addNote     string
	addDate     string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a transaction",
	Long: `Record a transaction in the local ledger.

The transaction is stored immediately and queued for upload; it syncs
the next time the daemon runs a cycle (or run 'finch sync' to push
now). With no flags an interactive form is shown.

Dates accept natural language: --date "yesterday", --date "last friday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addAmount == "" {
			if err := runAddForm(); err != nil {
				return err
			}
		}

		amount, err := decimal.NewFromString(addAmount)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", addAmount, err)
		}

		date := time.Now()
		if addDate != "" {
			if date, err = parseNaturalDate(addDate); err != nil {
				return err
			}
		}

		tx := record.Transaction{
			Amount:   amount,
			Category: addCategory,
			Note:     addNote,
			Date:     date,
		}
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("invalid transaction: %w", err)
		}

		fields, err := record.EncodeFields(tx)
		if err != nil {
			return err
		}

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		rec, err := svc.syncer.SubmitCreate(record.EntityTransactions, fields)
		if err != nil {
			return err
		}

		pending, _ := svc.queue.Len()
		fmt.Printf("%s Recorded %s in %s (%s)\n", ui.RenderPass("✓"),
			amount.StringFixed(2), addCategory, rec.ClientID[:8])
		fmt.Printf("  %s\n", ui.RenderMuted(fmt.Sprintf("%d operation(s) pending upload", pending)))
		return nil
	},
}

// runAddForm collects transaction fields interactively.
func runAddForm() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Amount").
				Description("Negative for expenses, positive for income").
				Value(&addAmount).
				Validate(func(s string) error {
					_, err := decimal.NewFromString(s)
					return err
				}),
			huh.NewInput().
				Title("Category").
				Value(&addCategory).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("category is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Note").
				Value(&addNote),
			huh.NewInput().
				Title("Date").
				Placeholder("today").
				Value(&addDate),
		),
	)
	return form.Run()
}

// parseNaturalDate understands both RFC 3339 dates and natural
// language ("yesterday", "last tuesday").
func parseNaturalDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", s)
	}
	return result.Time, nil
}

func init() {
	addCmd.Flags().StringVar(&addAmount, "amount", "", "transaction amount (negative for expenses)")
	addCmd.Flags().StringVar(&addCategory, "category", "", "category name")
	addCmd.Flags().StringVar(&addNote, "note", "", "free-form note")
	addCmd.Flags().StringVar(&addDate, "date", "", "transaction date (YYYY-MM-DD or natural language)")
	rootCmd.AddCommand(addCmd)
}
