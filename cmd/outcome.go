package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/records"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome <identity|source:external-id> <success|rejected>",
	Short: "Record the final outcome of an application and learn from it",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		resolveOutcome(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(outcomeCmd)
}

func parseIdentity(arg string) (model.Identity, error) {
	arg = strings.TrimSpace(arg)
	if src, id, ok := strings.Cut(arg, ":"); ok {
		if src == "" || id == "" {
			return "", fmt.Errorf("invalid posting reference %q", arg)
		}
		return model.NewIdentity(src, id), nil
	}
	if arg == "" {
		return "", errors.New("identity is required")
	}
	return model.Identity(strings.ToLower(arg)), nil
}

func parseFinalOutcome(arg string) (model.Outcome, error) {
	o, err := model.ParseOutcome(arg)
	if err != nil {
		return "", err
	}
	if !o.Learnable() {
		return "", fmt.Errorf("outcome must be %s or %s, got %s", model.OutcomeSuccess, model.OutcomeRejected, o)
	}
	return o, nil
}

func resolveOutcome(idArg, outcomeArg string) {
	ctx, cancel := signalContext()
	defer cancel()

	logger, config := setup()

	id, err := parseIdentity(idArg)
	if err != nil {
		logger.Fatal("parsing identity", zap.Error(err))
	}
	outcome, err := parseFinalOutcome(outcomeArg)
	if err != nil {
		logger.Fatal("parsing outcome", zap.Error(err))
	}

	st, err := openStorage(ctx, config, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}
	defer st.Close()

	rec, err := st.feedback.Resolve(ctx, id, outcome, time.Now())
	switch {
	case errors.Is(err, records.ErrAlreadyResolved):
		if cur, getErr := st.records.Get(ctx, id); getErr == nil {
			rec = cur
		}
		logger.Warn("application already has a final outcome", zap.String("identity", id.String()), zap.String("outcome", string(rec.Outcome)))
		return
	case err != nil:
		logger.Fatal("resolving outcome", zap.String("identity", id.String()), zap.Error(err))
	}

	logger.Info("outcome recorded",
		zap.String("identity", id.String()),
		zap.String("source", rec.SourceID),
		zap.String("external_id", rec.ExternalID),
		zap.String("title", rec.Posting.Title),
		zap.String("outcome", string(rec.Outcome)),
	)
}
