package cmd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/ai"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/orchestrator"
)

func withConfig(t *testing.T, values map[string]any) {
	t.Helper()
	viper.Reset()
	setDefaults()
	for k, v := range values {
		viper.Set(k, v)
	}
	t.Cleanup(func() {
		viper.Reset()
		setDefaults()
	})
}

func TestGetConfigDefaults(t *testing.T) {
	withConfig(t, map[string]any{"profile.path": "profile.json"})

	cfg, err := getConfig()
	if err != nil {
		t.Fatalf("get config: %v", err)
	}

	if cfg.MinMatchScore != 0.7 || cfg.MaxApplicationsPerDay != 10 || cfg.MaxJobsPerRun != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CompanyPreferenceRate != 0.1 {
		t.Fatalf("expected company preference rate 0.1, got %v", cfg.CompanyPreferenceRate)
	}
	if cfg.interval() != 4*time.Hour {
		t.Fatalf("expected 4h interval, got %s", cfg.interval())
	}
	if p := cfg.retryPolicy(); p.MaxAttempts != 3 || p.BaseDelay != 2*time.Second || p.Timeout != 30*time.Second {
		t.Fatalf("unexpected retry policy: %+v", p)
	}
	if cfg.Store.Backend != "file" || !cfg.HH.Enabled {
		t.Fatalf("unexpected store/source defaults: %+v %+v", cfg.Store, cfg.HH)
	}
}

func TestGetConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   string
	}{
		{name: "missing profile", values: map[string]any{}, want: "Path"},
		{name: "score above one", values: map[string]any{"profile.path": "p.json", "min-match-score": 1.5}, want: "MinMatchScore"},
		{name: "company rate above one", values: map[string]any{"profile.path": "p.json", "company-preference-rate": 2}, want: "CompanyPreferenceRate"},
		{name: "unknown backend", values: map[string]any{"profile.path": "p.json", "store.backend": "mongo"}, want: "Backend"},
		{name: "zero score weights", values: map[string]any{
			"profile.path":                  "p.json",
			"score-weights.text-similarity": 0,
			"score-weights.skill":           0,
			"score-weights.experience":      0,
			"score-weights.education":       0,
			"score-weights.location":        0,
		}, want: "score weights"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withConfig(t, tt.values)
			_, err := getConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := parseIdentity("hh:123")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != model.NewIdentity("hh", "123") {
		t.Fatalf("unexpected identity %s", id)
	}

	raw := string(model.NewIdentity("hh", "9"))
	id, err = parseIdentity(strings.ToUpper(raw))
	if err != nil || string(id) != raw {
		t.Fatalf("expected raw identity to pass through, got %s, %v", id, err)
	}

	for _, bad := range []string{"", ":1", "hh:"} {
		if _, err := parseIdentity(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseFinalOutcome(t *testing.T) {
	if o, err := parseFinalOutcome("Success"); err != nil || o != model.OutcomeSuccess {
		t.Fatalf("unexpected result %s, %v", o, err)
	}
	for _, bad := range []string{"pending", "error", "maybe"} {
		if _, err := parseFinalOutcome(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.HH.Token = "token"
	cfg.Store.Postgres.DSN = "postgres://u:p@db/jobs"

	out := redacted(cfg)
	if out.HH.Token != "***" || out.Store.Postgres.DSN != "***" || out.Embeddings.Gemini.APIKey != "" {
		t.Fatalf("unexpected redaction: %+v", out)
	}
	if cfg.HH.Token != "token" {
		t.Fatal("redaction must not touch the original config")
	}
}

func TestLabel(t *testing.T) {
	c := orchestrator.Candidate{
		Source:  "hh",
		Posting: model.JobPosting{ExternalID: "7", Title: "Go developer", Company: "Acme"},
		Score:   model.MatchScore{Value: 0.834},
	}
	if got := label(c); got != "[0.83] hh / 7 / Go developer / Acme" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestBuildEmbedderProviders(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	ctx := context.Background()

	for _, provider := range []string{"hashing", "HASHING", ""} {
		cfg := &Config{Embeddings: EmbeddingsConfig{Provider: provider, CacheSize: 8}}
		e, err := buildEmbedder(ctx, cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("provider %q: %v", provider, err)
		}
		if _, err := e.Embed(ctx, "go developer"); err != nil {
			t.Fatalf("provider %q: embed: %v", provider, err)
		}
		if _, ok := e.(*ai.CachedEmbedder); !ok {
			t.Fatalf("provider %q: expected a cached embedder, got %T", provider, e)
		}
	}

	if _, err := buildEmbedder(ctx, &Config{Embeddings: EmbeddingsConfig{Provider: "gemini"}}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for gemini without an api key")
	}

	_, err := buildEmbedder(ctx, &Config{Embeddings: EmbeddingsConfig{Provider: "word2vec"}}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "word2vec") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
