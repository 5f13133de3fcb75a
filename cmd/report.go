package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export application records, quota history and skill weights to an xlsx file",
	Run: func(cmd *cobra.Command, _ []string) {
		exportReport(cmd)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringP("out", "o", app+"-report.xlsx", "output file")
}

func exportReport(cmd *cobra.Command) {
	ctx, cancel := signalContext()
	defer cancel()

	logger, config := setup()

	st, err := openStorage(ctx, config, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}
	defer st.Close()

	recs, err := st.records.List(ctx)
	if err != nil {
		logger.Fatal("reading records", zap.Error(err))
	}
	history, err := st.quota.History(ctx)
	if err != nil {
		logger.Fatal("reading quota history", zap.Error(err))
	}
	w, err := st.weights.Snapshot(ctx)
	if err != nil {
		logger.Fatal("reading skill weights", zap.Error(err))
	}

	out, _ := cmd.Flags().GetString("out")
	path, err := report.Export(report.Data{
		Records:     recs,
		Quota:       history,
		QuotaLimit:  st.quota.Limit(),
		Weights:     w,
		GeneratedAt: time.Now(),
	}, out)
	if err != nil {
		logger.Fatal("exporting report", zap.Error(err))
	}

	s := report.Summarize(recs)
	logger.Info("report written",
		zap.String("filename", path),
		zap.Int("applications", s.Total),
		zap.Float64("average_score", s.AverageScore),
	)
}
