package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/advisor"
	"github.com/BTreeMap/SoilPipe/internal/api"
	"github.com/BTreeMap/SoilPipe/internal/conversation"
	"github.com/BTreeMap/SoilPipe/internal/genai"
	"github.com/BTreeMap/SoilPipe/internal/ingest"
	"github.com/BTreeMap/SoilPipe/internal/lockfile"
	"github.com/BTreeMap/SoilPipe/internal/messaging"
	"github.com/BTreeMap/SoilPipe/internal/store"
	"github.com/BTreeMap/SoilPipe/internal/twiliosms"
	"github.com/BTreeMap/SoilPipe/internal/weather"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SoilPipe state data
	DefaultStateDir = "/var/lib/soilpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "soilpipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Invalid environment configuration", "error", err)
		os.Exit(1)
	}
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line flags", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SoilPipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("SoilPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SoilPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string        `env:"SOILPIPE_STATE_DIR" envDefault:"/var/lib/soilpipe"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	APIAddr          string        `env:"API_ADDR" envDefault:":8080"`
	GenAIKey         string        `env:"GENAI_API_KEY"`
	OpenAIKey        string        `env:"OPENAI_API_KEY"`
	GeminiKey        string        `env:"GOOGLE_GEMINI_API_KEY"`
	GenAIBaseURL     string        `env:"GENAI_BASE_URL"`
	GenAIModel       string        `env:"GENAI_MODEL"`
	GenAITemperature float64       `env:"GENAI_TEMPERATURE" envDefault:"0.7"`
	GenAIMaxTokens   int64         `env:"GENAI_MAX_TOKENS" envDefault:"200"`
	WeatherKey       string        `env:"OPENWEATHER_API_KEY"`
	WeatherBaseURL   string        `env:"OPENWEATHER_BASE_URL"`
	TwilioSID        string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioToken      string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string        `env:"TWILIO_FROM_NUMBER"`
	CountryCode      string        `env:"SMS_COUNTRY_CODE" envDefault:"+256"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
}

// Flags holds the resolved configuration after command line overrides.
type Flags struct {
	Config
	dbDSN string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Accept the provider-specific key names as well
	if config.GenAIKey == "" {
		config.GenAIKey = config.OpenAIKey
	}
	if config.GenAIKey == "" {
		config.GenAIKey = config.GeminiKey
	}

	slog.Debug("environment variables loaded",
		"SOILPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"GENAI_API_KEY_SET", config.GenAIKey != "",
		"OPENWEATHER_API_KEY_SET", config.WeatherKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"SMS_COUNTRY_CODE", config.CountryCode,
		"UPSTREAM_TIMEOUT", config.UpstreamTimeout)
	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for SoilPipe data (overrides $SOILPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseURL, "db-dsn", config.DatabaseURL, "PostgreSQL or SQLite DSN (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.GenAIKey, "genai-api-key", config.GenAIKey, "generation backend API key (overrides $GENAI_API_KEY)")
	fs.StringVar(&flags.GenAIModel, "genai-model", config.GenAIModel, "generation model (overrides $GENAI_MODEL)")
	fs.StringVar(&flags.WeatherKey, "openweather-api-key", config.WeatherKey, "OpenWeatherMap API key (overrides $OPENWEATHER_API_KEY)")
	fs.StringVar(&flags.CountryCode, "country-code", config.CountryCode, "country code for local phone numbers (overrides $SMS_COUNTRY_CODE)")
	fs.DurationVar(&flags.UpstreamTimeout, "upstream-timeout", config.UpstreamTimeout, "timeout for weather and generation calls (overrides $UPSTREAM_TIMEOUT)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags.dbDSN = flags.DatabaseURL
	if flags.dbDSN == "" {
		flags.dbDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_type", store.DetectDSNType(flags.dbDSN),
		"apiAddr", flags.APIAddr,
		"genaiKeySet", flags.GenAIKey != "",
		"countryCode", flags.CountryCode)
	return flags, nil
}

// run constructs every collaborator once and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) == store.DSNTypeSQLite {
		lock, err := lockfile.Acquire(flags.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(flags.dbDSN, store.WithCountryCode(flags.CountryCode))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gateway, err := buildGateway(flags)
	if err != nil {
		return err
	}
	completer, err := buildCompleter(flags)
	if err != nil {
		return err
	}

	weatherClient := weather.NewClient(buildWeatherOptions(flags)...)
	adv := advisor.New(completer)
	dispatcher := messaging.NewDispatcher(gateway, st, messaging.WithCountryCode(flags.CountryCode))

	server := api.NewServer(api.Deps{
		Ingest:  ingest.NewCoordinator(st, weatherClient, adv, dispatcher),
		Inbound: conversation.NewStateMachine(st, adv, weatherClient, dispatcher),
		Logs:    st,
	}, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// buildGateway returns the Twilio client, or the mock gateway when no credentials are configured.
func buildGateway(flags Flags) (messaging.Gateway, error) {
	client, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(flags.TwilioSID),
		twiliosms.WithAuthToken(flags.TwilioToken),
		twiliosms.WithFromNumber(flags.TwilioFrom),
	)
	switch {
	case err == nil:
		return client, nil
	case errors.Is(err, twiliosms.ErrMissingCredentials), errors.Is(err, twiliosms.ErrMissingFromNumber):
		slog.Warn("Twilio not configured, outbound SMS will only be logged", "reason", err)
		return twiliosms.NewMockClient(), nil
	default:
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
}

// buildCompleter returns the generation client, or nil when no key is configured.
func buildCompleter(flags Flags) (advisor.Completer, error) {
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if errors.Is(err, genai.ErrMissingAPIKey) {
		slog.Warn("Generation API key not set, recommendations will use the fallback text")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithTemperature(flags.GenAITemperature),
		genai.WithMaxTokens(flags.GenAIMaxTokens),
		genai.WithTimeout(flags.UpstreamTimeout),
	}
	if flags.GenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.GenAIKey))
	}
	if flags.GenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(flags.GenAIBaseURL))
	}
	if flags.GenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.GenAIModel))
	}
	return genaiOpts
}

// buildWeatherOptions constructs weather client options
func buildWeatherOptions(flags Flags) []weather.Option {
	weatherOpts := []weather.Option{weather.WithTimeout(flags.UpstreamTimeout)}
	if flags.WeatherKey != "" {
		weatherOpts = append(weatherOpts, weather.WithAPIKey(flags.WeatherKey))
	}
	if flags.WeatherBaseURL != "" {
		weatherOpts = append(weatherOpts, weather.WithBaseURL(flags.WeatherBaseURL))
	}
	return weatherOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	return apiOpts
}
