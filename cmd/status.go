package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/weights"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's quota, recent applications and the strongest learned skills",
	Run: func(cmd *cobra.Command, _ []string) {
		showStatus(cmd)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntP("limit", "n", 10, "number of recent applications to show")
	statusCmd.Flags().Int("top", 10, "number of skill weights and company preferences to show")
}

type statusView struct {
	Date      string                  `json:"date"`
	Applied   int                     `json:"applied"`
	Limit     int                     `json:"limit"`
	Remaining int                     `json:"remaining"`
	Pending   int                     `json:"pending"`
	Recent    []recordView            `json:"recent"`
	Weights   []weights.Ranked        `json:"weights"`
	Companies []weights.RankedCompany `json:"companies,omitempty"`
	Updates   int64                   `json:"weight_updates"`
}

type recordView struct {
	AppliedAt time.Time     `json:"applied_at"`
	Source    string        `json:"source"`
	ID        string        `json:"external_id"`
	Title     string        `json:"title"`
	Score     float64       `json:"score"`
	Outcome   model.Outcome `json:"outcome"`
	Identity  string        `json:"identity"`
}

func showStatus(cmd *cobra.Command) {
	ctx, cancel := signalContext()
	defer cancel()

	logger, config := setup()

	st, err := openStorage(ctx, config, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	top, _ := cmd.Flags().GetInt("top")

	today := model.DateKey(time.Now())
	usage, err := st.quota.Usage(ctx, today)
	if err != nil {
		logger.Fatal("reading quota", zap.Error(err))
	}
	remaining, err := st.quota.Remaining(ctx, today)
	if err != nil {
		logger.Fatal("reading quota", zap.Error(err))
	}

	recent, err := st.records.Recent(ctx, limit)
	if err != nil {
		logger.Fatal("reading records", zap.Error(err))
	}
	pending, err := st.records.Pending(ctx)
	if err != nil {
		logger.Fatal("reading records", zap.Error(err))
	}

	w, err := st.weights.Snapshot(ctx)
	if err != nil {
		logger.Fatal("reading skill weights", zap.Error(err))
	}

	view := statusView{
		Date:      today,
		Applied:   usage.Count,
		Limit:     st.quota.Limit(),
		Remaining: remaining,
		Pending:   len(pending),
		Recent:    make([]recordView, 0, len(recent)),
		Weights:   weights.Top(w, top),
		Companies: weights.TopCompanies(w, top),
		Updates:   w.UpdateCount,
	}
	for _, r := range recent {
		view.Recent = append(view.Recent, recordView{
			AppliedAt: r.AppliedAt,
			Source:    r.SourceID,
			ID:        r.ExternalID,
			Title:     r.Posting.Title,
			Score:     r.Score.Value,
			Outcome:   r.Outcome,
			Identity:  r.Identity.String(),
		})
	}

	pretty, _ := json.MarshalIndent(view, "", "  ")
	fmt.Println(string(pretty))
}
