package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/logger"
	"github.com/spigell/job-responder/internal/orchestrator"
)

const (
	PromptYes         = "Yes"
	PromptNo          = "No"
	PromptBack        = "back"
	PromptDone        = "done"
	PromptReport      = "Report selected postings"
	PromptManualApply = "Choose postings manually"
)

var prompt = promptui.Select{
	Label: "Procced?",
	Items: []string{PromptYes, PromptNo, PromptReport, PromptManualApply},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single cycle: fetch, score, select, apply and record",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation before applying")
	runCmd.Flags().Bool("dry-run", false, "score and select without applying or marking postings as seen")
	runCmd.Flags().StringP("exclude-file", "e", "", "special file with postings to exclude. Default is unset.")

	viper.BindPFlag("filters.exclude-file", runCmd.Flags().Lookup("exclude-file"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx, cancel := signalContext()
	defer cancel()

	logger, config := setup()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	autoApprove, _ := cmd.Flags().GetBool("yes")

	opts := engineOptions{dryRun: dryRun}
	if !autoApprove && !dryRun {
		opts.approver = &promptApprover{logger: logger}
	}

	e, err := buildEngine(ctx, config, logger, opts)
	if err != nil {
		logger.Fatal("preparing the engine", zap.Error(err))
	}
	defer e.Close()

	logger.Info("starting the search",
		zap.String("search", config.Search.Text),
		zap.Bool("dry_run", dryRun),
	)

	report, err := e.orchestrator.RunCycle(ctx)
	if err != nil {
		logger.Error("cycle failed", zap.Error(err))
		return
	}

	if dryRun {
		// do not bother error since the report is plain data
		pretty, _ := json.MarshalIndent(report.Selected, "", "  ")
		logger.Info(fmt.Sprintf("would apply to: \n %s", pretty), zap.Int("selected", len(report.Selected)))
	}
}

// setup builds the logger and the validated config or exits.
func setup() (*zap.Logger, *Config) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the job-responder", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	return logger, config
}

func redacted(c *Config) Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.HH.Token = mask(out.HH.Token)
	out.Embeddings.Gemini.APIKey = mask(out.Embeddings.Gemini.APIKey)
	out.Store.Redis.Password = mask(out.Store.Redis.Password)
	out.Store.Postgres.DSN = mask(out.Store.Postgres.DSN)
	out.Notify.Redis.Password = mask(out.Notify.Redis.Password)
	return out
}

// promptApprover asks on the terminal before anything is applied.
type promptApprover struct {
	logger *zap.Logger
}

var _ orchestrator.Approver = (*promptApprover)(nil)

func (p *promptApprover) Approve(_ context.Context, selected []orchestrator.Candidate) ([]orchestrator.Candidate, error) {
	p.logger.Info("current list of postings", zap.Int("count", len(selected)))

	for {
		_, action, err := prompt.Run()
		if err != nil {
			return nil, err
		}

		switch action {
		case PromptYes:
			return selected, nil
		case PromptNo:
			p.logger.Info("skipping applications", zap.String("reason", "got no from prompt"))
			return nil, nil
		case PromptReport:
			p.report(selected)
		case PromptManualApply:
			chosen, err := p.manual(selected)
			if errors.Is(err, errBack) {
				continue
			}
			return chosen, err
		default:
			return nil, fmt.Errorf("invalid action: %s", action)
		}
	}
}

var errBack = errors.New("back requested")

func (p *promptApprover) report(selected []orchestrator.Candidate) {
	for i, c := range selected {
		p.logger.Info(fmt.Sprintf("#%d %s", i+1, label(c)),
			zap.Float64("score", c.Score.Value),
			zap.Float64("skill", c.Score.Breakdown.Skill),
			zap.Float64("text", c.Score.Breakdown.TextSimilarity),
		)
	}
}

// manual lets the user pick postings one by one until done.
func (p *promptApprover) manual(selected []orchestrator.Candidate) ([]orchestrator.Candidate, error) {
	left := append([]orchestrator.Candidate(nil), selected...)
	var chosen []orchestrator.Candidate

	for {
		items := make([]string, 0, len(left)+2)
		for _, c := range left {
			items = append(items, label(c))
		}

		vacancyPrompt := promptui.Select{
			Label: fmt.Sprintf("Choose a posting and press ENTER (%d chosen)", len(chosen)),
			Items: append(items, PromptDone, PromptBack),
		}

		idx, picked, err := vacancyPrompt.Run()
		if err != nil {
			return nil, err
		}

		switch picked {
		case PromptBack:
			return nil, errBack
		case PromptDone:
			return chosen, nil
		default:
			chosen = append(chosen, left[idx])
			left = append(left[:idx], left[idx+1:]...)
			p.logger.Info("posting chosen", zap.String("posting", picked))
		}
	}
}

func label(c orchestrator.Candidate) string {
	parts := []string{c.Source, c.Posting.ExternalID, c.Posting.Title}
	if c.Posting.Company != "" {
		parts = append(parts, c.Posting.Company)
	}
	return fmt.Sprintf("[%.2f] %s", c.Score.Value, strings.Join(parts, " / "))
}
