package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/job-responder/internal/feedback"
	"github.com/spigell/job-responder/internal/headhunter"
	"github.com/spigell/job-responder/internal/orchestrator"
	"github.com/spigell/job-responder/internal/quota"
	"github.com/spigell/job-responder/internal/retry"
	"github.com/spigell/job-responder/internal/scoring"
	"github.com/spigell/job-responder/internal/source"
	"github.com/spigell/job-responder/internal/store"
)

const (
	app       = "job-responder"
	envPrefix = "JR"
)

type Config struct {
	MinMatchScore         float64                  `mapstructure:"min-match-score" validate:"gte=0,lte=1"`
	MaxApplicationsPerDay int                      `mapstructure:"max-applications-per-day" validate:"gte=0"`
	MaxJobsPerRun         int                      `mapstructure:"max-jobs-per-run" validate:"gte=0"`
	ScheduleIntervalHours float64                  `mapstructure:"schedule-interval-hours" validate:"gt=0"`
	LearningRate          float64                  `mapstructure:"learning-rate" validate:"gte=0,lte=1"`
	CompanyPreferenceRate float64                  `mapstructure:"company-preference-rate" validate:"gte=0,lte=1"`
	SkillWeightDecay      float64                  `mapstructure:"skill-weight-decay" validate:"gte=0,lte=1"`
	DecayInterval         time.Duration            `mapstructure:"decay-interval" validate:"gt=0"`
	AdapterTimeout        time.Duration            `mapstructure:"adapter-timeout" validate:"gt=0"`
	RemoteKeyword         string                   `mapstructure:"remote-keyword"`
	ScoreWeights          scoring.ComponentWeights `mapstructure:"score-weights"`
	Search                source.SearchParams      `mapstructure:"search"`
	Retry                 retry.Policy             `mapstructure:"retry"`
	Profile               ProfileConfig            `mapstructure:"profile"`
	Store                 StoreConfig              `mapstructure:"store"`
	Embeddings            EmbeddingsConfig         `mapstructure:"embeddings"`
	Filters               FiltersConfig            `mapstructure:"filters"`
	HH                    HHConfig                 `mapstructure:"hh"`
	Notify                NotifyConfig             `mapstructure:"notify"`
	Status                StatusConfig             `mapstructure:"status"`
}

type ProfileConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// Plain text resume used for text similarity instead of raw_text.
	TextPath string `mapstructure:"text-path"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend" validate:"omitempty,oneof=memory file redis postgres"`
	Path     string `mapstructure:"path"`
	Redis    RedisConfig
	Postgres struct {
		DSN      string `mapstructure:"dsn"`
		MaxConns int32  `mapstructure:"max-conns" validate:"gte=0"`
	}
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	Namespace string `mapstructure:"namespace"`
}

type EmbeddingsConfig struct {
	Provider  string `mapstructure:"provider" validate:"omitempty,oneof=gemini hashing"`
	CacheSize int    `mapstructure:"cache-size" validate:"gte=0"`
	Gemini    struct {
		APIKey     string `mapstructure:"api-key"`
		APIKeyFile string `mapstructure:"api-key-file"`
		Model      string `mapstructure:"model"`
		Dimensions int32  `mapstructure:"dimensions" validate:"gte=0"`
		MaxRetries int    `mapstructure:"max-retries" validate:"gte=0"`
	}
}

type FiltersConfig struct {
	ExcludeFile   string   `mapstructure:"exclude-file"`
	Employers     []string `mapstructure:"employers"`
	ExcludeTitles []string `mapstructure:"exclude-titles"`
}

type HHConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token-file"`
	UserAgent string `mapstructure:"user-agent"`
	// Resume is matched by title against the account's resumes unless ResumeID is set.
	Resume       string                  `mapstructure:"resume"`
	ResumeID     string                  `mapstructure:"resume-id"`
	Message      string                  `mapstructure:"message"`
	FetchDetails bool                    `mapstructure:"fetch-details"`
	MaxPages     int                     `mapstructure:"max-pages" validate:"gte=0"`
	Search       headhunter.SearchParams `mapstructure:"search"`
}

type NotifyConfig struct {
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		Channel  string `mapstructure:"channel"`
	}
}

type StatusConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "job-responder scores job postings against your profile and applies to the best ones within a daily quota",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	for key, env := range map[string]string{
		"hh.token-file":                  "HH_TOKEN_FILE",
		"embeddings.gemini.api-key-file": "GEMINI_API_KEY_FILE",
		"store.postgres.dsn":             "DATABASE_URL",
	} {
		if err := viper.BindEnv(key, envPrefix+"_"+env, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is job-responder.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func setDefaults() {
	viper.SetDefault("min-match-score", scoring.DefaultMinMatchScore)
	viper.SetDefault("max-applications-per-day", quota.DefaultLimit)
	viper.SetDefault("max-jobs-per-run", orchestrator.DefaultMaxJobsPerRun)
	viper.SetDefault("schedule-interval-hours", orchestrator.DefaultInterval.Hours())
	viper.SetDefault("learning-rate", feedback.DefaultLearningRate)
	viper.SetDefault("company-preference-rate", feedback.DefaultCompanyRate)
	viper.SetDefault("skill-weight-decay", feedback.DefaultDecay)
	viper.SetDefault("decay-interval", feedback.DefaultDecayInterval)
	viper.SetDefault("remote-keyword", scoring.DefaultRemoteKeyword)

	policy := retry.DefaultPolicy()
	viper.SetDefault("adapter-timeout", policy.Timeout)
	viper.SetDefault("retry.max-attempts", policy.MaxAttempts)
	viper.SetDefault("retry.base-delay", policy.BaseDelay)
	viper.SetDefault("retry.max-delay", policy.MaxDelay)
	viper.SetDefault("retry.max-elapsed", policy.MaxElapsed)

	weights := scoring.DefaultComponentWeights()
	viper.SetDefault("score-weights.text-similarity", weights.TextSimilarity)
	viper.SetDefault("score-weights.skill", weights.Skill)
	viper.SetDefault("score-weights.experience", weights.Experience)
	viper.SetDefault("score-weights.education", weights.Education)
	viper.SetDefault("score-weights.location", weights.Location)

	viper.SetDefault("store.backend", store.BackendFile)
	viper.SetDefault("store.path", app+"-state.json")
	viper.SetDefault("embeddings.cache-size", 1024)
	viper.SetDefault("hh.enabled", true)
	viper.SetDefault("hh.fetch-details", true)
}

func initConfig() {
	// version does not need a config.
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.ScoreWeights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) interval() time.Duration {
	return time.Duration(c.ScheduleIntervalHours * float64(time.Hour))
}

func (c *Config) retryPolicy() retry.Policy {
	p := c.Retry
	p.Timeout = c.AdapterTimeout
	return p
}
