package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/rewired-gh/spendwatch/internal/preference"
)

func feedbackCmd(opts *globalOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record a verdict on a flagged transaction",
		Long: `Mark a flagged amount as normal (accepting its range tier and every lower
tier for the category) or set a spending alert for the category.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var fb models.Feedback
			if err := readRequest(cmd, input, &fb); err != nil {
				return err
			}
			if fb.UserID == "" {
				return errors.New("user_id is required")
			}
			return withApp(opts, func(a *app) error {
				result, err := a.service.Feedback(fb)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "feedback JSON file (default: stdin)")
	return cmd
}

func alertsCmd(opts *globalOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List a user's category alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withApp(opts, func(a *app) error {
				alerts, err := a.prefs.ListAlerts(userID)
				if err != nil {
					return err
				}
				if alerts == nil {
					alerts = []models.CategoryAlert{}
				}
				return writeJSON(cmd, alerts)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var userID string
	var top int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's highest-scoring past anomalies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withApp(opts, func(a *app) error {
				if a.db == nil {
					return fmt.Errorf("anomaly history requires the sqlite backend (storage.backend is %q)", a.cfg.Storage.Backend)
				}
				entries, err := a.db.GetTopAnomalies(userID, top)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []models.HistoryEntry{}
				}
				return writeJSON(cmd, entries)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVarP(&top, "top", "k", 10, "number of entries")
	return cmd
}

type tierResult struct {
	Amount float64         `json:"amount"`
	Tier   preference.Tier `json:"tier"`
	Key    string          `json:"range_key,omitempty"`
}

func tierCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "tier <amount>",
		Short: "Show the range tier of an amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			res := tierResult{Amount: amount, Tier: preference.RangeTier(amount)}
			if category != "" {
				res.Key = preference.RangeKey(category, res.Tier)
			}
			return writeJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category id; also prints the accepted-range key")
	return cmd
}
