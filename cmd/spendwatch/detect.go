package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rewired-gh/spendwatch/internal/models"
)

type detectRequest struct {
	UserID       string               `json:"user_id"`
	Transactions []models.Transaction `json:"transactions"`
	Thresholds   map[string]float64   `json:"alert_thresholds,omitempty"`
}

type detectUserRequest struct {
	UserID       string                          `json:"user_id"`
	Transactions map[string][]models.Transaction `json:"transactions_by_category"`
	Thresholds   map[string]float64              `json:"alert_thresholds,omitempty"`
}

type detectCategoryRequest struct {
	CategoryID   string               `json:"category_id"`
	Transactions []models.Transaction `json:"transactions"`
}

func detectCmd(opts *globalOptions) *cobra.Command {
	var input, userID string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Score one category's transactions with the full pipeline",
		Long: `Run the isolation forest and statistical detectors over a batch of
transactions, apply the user's accepted ranges and alert thresholds, and
print the explained anomalies.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req detectRequest
			if err := readRequest(cmd, input, &req); err != nil {
				return err
			}
			if userID != "" {
				req.UserID = userID
			}
			if req.UserID == "" {
				return errors.New("user id is required (--user or user_id)")
			}
			return withApp(opts, func(a *app) error {
				report, err := a.service.Detect(req.UserID, req.Transactions, req.Thresholds)
				if err != nil {
					return err
				}
				a.logger.Info("Detection complete",
					zap.String("user_id", req.UserID),
					zap.Int("transactions", len(req.Transactions)),
					zap.Int("anomalies", report.Count),
					zap.String("method", string(report.Method)),
				)
				return writeJSON(cmd, report)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "request JSON file (default: stdin)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (overrides user_id in the request)")
	return cmd
}

func detectUserCmd(opts *globalOptions) *cobra.Command {
	var input, userID string
	cmd := &cobra.Command{
		Use:   "detect-user",
		Short: "Score every category of a user and rank the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req detectUserRequest
			if err := readRequest(cmd, input, &req); err != nil {
				return err
			}
			if userID != "" {
				req.UserID = userID
			}
			if req.UserID == "" {
				return errors.New("user id is required (--user or user_id)")
			}
			return withApp(opts, func(a *app) error {
				report, err := a.service.DetectUser(req.UserID, req.Transactions, req.Thresholds)
				if err != nil {
					return err
				}
				a.logger.Info("User detection complete",
					zap.String("user_id", req.UserID),
					zap.Int("categories", len(req.Transactions)),
					zap.Int("anomalies", report.Count),
				)
				return writeJSON(cmd, report)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "request JSON file (default: stdin)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (overrides user_id in the request)")
	return cmd
}

func detectCategoryCmd(opts *globalOptions) *cobra.Command {
	var input, categoryID string
	cmd := &cobra.Command{
		Use:   "detect-category",
		Short: "Score one category with the statistical detector only",
		Long: `Compare each amount against the category mean and median without
fitting a model. No preference state is read or written.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req detectCategoryRequest
			if err := readRequest(cmd, input, &req); err != nil {
				return err
			}
			if categoryID != "" {
				req.CategoryID = categoryID
			}
			return withApp(opts, func(a *app) error {
				result, err := a.pipeline.DetectCategoryStatisticalOnly(req.CategoryID, req.Transactions)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "request JSON file (default: stdin)")
	cmd.Flags().StringVar(&categoryID, "category", "", "category id (overrides category_id in the request)")
	return cmd
}
