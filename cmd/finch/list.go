package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/ui"
)

var listCmd = &cobra.Command{
	Use:       "list [transactions|budgets|goals]",
	Short:     "List locally cached records",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"transactions", "budgets", "goals"},
	RunE: func(cmd *cobra.Command, args []string) error {
		et := record.EntityTransactions
		if len(args) == 1 {
			et = record.EntityType(args[0])
			if !et.Valid() {
				return fmt.Errorf("unknown entity type %q", args[0])
			}
		}

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		recs, err := svc.store.GetActive(et)
		if err != nil {
			return err
		}

		if len(recs) == 0 {
			fmt.Printf("No %s yet\n", et)
			return nil
		}

		fmt.Printf("%s %d %s\n\n", ui.RenderAccent("•"), len(recs), et)
		for _, rec := range recs {
			marker := ui.RenderPass("synced")
			if rec.ID == "" {
				marker = ui.RenderWarn("local")
			}
			fmt.Printf("  %-10s %s  %s\n", marker, rec.Key(), renderFields(et, rec))
		}
		return nil
	},
}

// renderFields gives a one-line summary of the typed payload.
func renderFields(et record.EntityType, rec record.Record) string {
	switch et {
	case record.EntityTransactions:
		var tx record.Transaction
		if err := record.DecodeFields(rec.Fields, &tx); err != nil {
			return ui.RenderMuted("(unreadable)")
		}
		return fmt.Sprintf("%s  %s  %s", tx.Amount.StringFixed(2), tx.Category, tx.Date.Format("2006-01-02"))
	case record.EntityBudgets:
		var b record.Budget
		if err := record.DecodeFields(rec.Fields, &b); err != nil {
			return ui.RenderMuted("(unreadable)")
		}
		return fmt.Sprintf("%s  %s/month in %s", b.Limit.StringFixed(2), b.Month, b.Category)
	case record.EntityGoals:
		var g record.Goal
		if err := record.DecodeFields(rec.Fields, &g); err != nil {
			return ui.RenderMuted("(unreadable)")
		}
		return fmt.Sprintf("%s: %s of %s saved", g.Name, g.Saved.StringFixed(2), g.Target.StringFixed(2))
	}
	return ""
}

func init() {
	rootCmd.AddCommand(listCmd)
}
