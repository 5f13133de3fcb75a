package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/ai"
	"github.com/spigell/job-responder/internal/ai/gemini"
	"github.com/spigell/job-responder/internal/feedback"
	"github.com/spigell/job-responder/internal/filtering"
	"github.com/spigell/job-responder/internal/headhunter"
	"github.com/spigell/job-responder/internal/ledger"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/notify"
	"github.com/spigell/job-responder/internal/orchestrator"
	"github.com/spigell/job-responder/internal/profile"
	"github.com/spigell/job-responder/internal/quota"
	"github.com/spigell/job-responder/internal/records"
	"github.com/spigell/job-responder/internal/retry"
	"github.com/spigell/job-responder/internal/scoring"
	"github.com/spigell/job-responder/internal/secrets"
	"github.com/spigell/job-responder/internal/source"
	"github.com/spigell/job-responder/internal/store"
	"github.com/spigell/job-responder/internal/weights"
)

// storage bundles the components that live on top of the durable store.
type storage struct {
	store    store.Store
	ledger   *ledger.Ledger
	quota    *quota.Counter
	records  *records.Log
	weights  *weights.Store
	feedback *feedback.Processor
}

func openStorage(ctx context.Context, cfg *Config, logger *zap.Logger) (*storage, error) {
	sc := store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Redis: store.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			Namespace: cfg.Store.Redis.Namespace,
		},
		Postgres: store.PostgresConfig{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: cfg.Store.Postgres.MaxConns,
		},
	}

	st, err := store.Open(ctx, sc, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	q, err := quota.New(st, cfg.MaxApplicationsPerDay, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	ws := weights.New(st, logger)
	rl := records.New(st, logger)

	fb, err := feedback.New(ws, rl, feedback.Config{
		LearningRate:  cfg.LearningRate,
		CompanyRate:   cfg.CompanyPreferenceRate,
		Decay:         cfg.SkillWeightDecay,
		DecayInterval: cfg.DecayInterval,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &storage{
		store:    st,
		ledger:   ledger.New(st, logger),
		quota:    q,
		records:  rl,
		weights:  ws,
		feedback: fb,
	}, nil
}

func (s *storage) Close() error {
	return s.store.Close()
}

type engineOptions struct {
	dryRun   bool
	approver orchestrator.Approver
}

type engine struct {
	*storage
	orchestrator *orchestrator.Orchestrator
	hh           *headhunter.Client
	closers      []func() error
}

func (e *engine) Close() error {
	errs := make([]error, 0, len(e.closers)+1)
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	errs = append(errs, e.storage.Close())
	return errors.Join(errs...)
}

// buildEngine wires every collaborator of the orchestrator from the config.
func buildEngine(ctx context.Context, cfg *Config, logger *zap.Logger, opts engineOptions) (*engine, error) {
	p, err := loadProfile(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e := &engine{storage: st}

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	scorer, err := scoring.New(embedder, scoring.Config{
		Weights:       cfg.ScoreWeights,
		RemoteKeyword: cfg.RemoteKeyword,
		MinMatchScore: cfg.MinMatchScore,
	}, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	sources, err := e.buildSources(ctx, cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	notifier := e.buildNotifier(cfg, logger)

	o, err := orchestrator.New(orchestrator.Config{
		MaxJobsPerRun: cfg.MaxJobsPerRun,
		Search:        cfg.Search,
		Interval:      cfg.interval(),
		DryRun:        opts.dryRun,
		Filters: filtering.Config{
			Employers:     cfg.Filters.Employers,
			ExcludeTitles: cfg.Filters.ExcludeTitles,
			ExcludeFile:   cfg.Filters.ExcludeFile,
		},
	}, orchestrator.Deps{
		Profile:  p,
		Sources:  sources,
		Scorer:   scorer,
		Weights:  st.weights,
		Ledger:   st.ledger,
		Quota:    st.quota,
		Records:  st.records,
		Feedback: st.feedback,
		Retry:    retry.New(cfg.retryPolicy(), logger),
		Notifier: notifier,
		Approver: opts.approver,
		Logger:   logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.orchestrator = o

	return e, nil
}

func loadProfile(ctx context.Context, cfg *Config, logger *zap.Logger) (*model.CandidateProfile, error) {
	var provider profile.Provider = profile.NewFile(cfg.Profile.Path, cfg.Profile.TextPath, logger)
	p, err := provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading candidate profile: %w", err)
	}
	return p, nil
}

func buildEmbedder(ctx context.Context, cfg *Config, logger *zap.Logger) (ai.Embedder, error) {
	var upstream ai.Embedder

	provider := strings.ToLower(cfg.Embeddings.Provider)
	switch provider {
	case "", "gemini":
		g := cfg.Embeddings.Gemini
		key, err := secrets.Load(secrets.Source{
			Name:  "gemini api key",
			File:  g.APIKeyFile,
			Env:   "GEMINI_API_KEY",
			Value: g.APIKey,
		})
		if err != nil {
			if provider == "gemini" {
				return nil, err
			}
			logger.Warn("gemini api key is not configured, falling back to the offline hashing embedder", zap.Error(err))
			upstream = ai.NewHashingEmbedder(0)
			break
		}

		upstream, err = gemini.NewEmbedder(ctx, gemini.Options{
			APIKey:     key,
			Model:      g.Model,
			Dimensions: g.Dimensions,
			MaxRetries: g.MaxRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
	case "hashing":
		upstream = ai.NewHashingEmbedder(0)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Embeddings.Provider)
	}

	return ai.NewCachedEmbedder(upstream, cfg.Embeddings.CacheSize, logger)
}

func (e *engine) buildSources(ctx context.Context, cfg *Config, logger *zap.Logger) ([]source.Adapter, error) {
	var sources []source.Adapter

	if cfg.HH.Enabled {
		hh, err := newHeadhunter(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		e.hh = hh
		sources = append(sources, hh)
	}

	if len(sources) == 0 {
		return nil, errors.New("no job sources are enabled")
	}
	return sources, nil
}

func newHeadhunter(ctx context.Context, cfg *Config, logger *zap.Logger) (*headhunter.Client, error) {
	token, err := secrets.Load(secrets.Source{
		Name:  "headhunter token",
		File:  cfg.HH.TokenFile,
		Env:   "HH_TOKEN",
		Value: cfg.HH.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("loading headhunter token (set HH_TOKEN_FILE or hh.token-file): %w", err)
	}

	hh := headhunter.New(logger, headhunter.Options{
		Token:        token,
		ResumeID:     cfg.HH.ResumeID,
		Message:      cfg.HH.Message,
		Search:       cfg.HH.Search,
		FetchDetails: cfg.HH.FetchDetails,
		MaxPages:     cfg.HH.MaxPages,
	})
	if cfg.HH.UserAgent != "" {
		hh.UserAgent = cfg.HH.UserAgent
	}

	if hh.ResumeID() != "" || cfg.HH.Resume == "" {
		return hh, nil
	}

	resumes, err := hh.GetMineResumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting mine resumes: %w", err)
	}
	logger.Info("getting mine resumes", zap.Int("count", resumes.Len()))

	selected := resumes.FindByTitle(cfg.HH.Resume)
	if selected == nil {
		return nil, fmt.Errorf("resume %q not found, existing titles: %s", cfg.HH.Resume, strings.Join(resumes.Titles(), ", "))
	}
	hh.SetResume(selected.ID)

	return hh, nil
}

func (e *engine) buildNotifier(cfg *Config, logger *zap.Logger) notify.Notifier {
	notifiers := notify.Multi{notify.NewLog(logger)}

	rc := cfg.Notify.Redis
	if rc.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		e.closers = append(e.closers, client.Close)

		n := notify.NewRedis(client, rc.Channel)
		logger.Info("publishing events to redis", zap.String("addr", rc.Addr), zap.String("channel", n.Channel()))
		notifiers = append(notifiers, n)
	}

	return notifiers
}
