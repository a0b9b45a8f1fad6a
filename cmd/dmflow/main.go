package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shopdm/dmflow/internal/actions"
	"github.com/shopdm/dmflow/internal/api"
	"github.com/shopdm/dmflow/internal/catalog"
	"github.com/shopdm/dmflow/internal/flow"
	"github.com/shopdm/dmflow/internal/genai"
	"github.com/shopdm/dmflow/internal/guardrail"
	"github.com/shopdm/dmflow/internal/messaging"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
	"github.com/shopdm/dmflow/internal/scheduler"
	"github.com/shopdm/dmflow/internal/store"
	"github.com/shopdm/dmflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for dmflow state data
	DefaultStateDir = "/var/lib/dmflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dmflow.db"
	// DefaultModel is used when a provider model is not configured
	DefaultModel = "gpt-4o-mini"
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout = 15 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	botCfg := buildBotConfig()
	sender := buildSender(flags)
	cat, err := buildCatalog(*flags.catalogPath)
	if err != nil {
		slog.Error("Failed to load catalog", "error", err, "path", *flags.catalogPath)
		os.Exit(1)
	}

	router := buildRouter(flags, st, botCfg)
	policies := policy.NewService(st)
	assembler := flow.NewAssembler(st, policies, cat, nil)
	guard := guardrail.NewEngine(botCfg)
	if terms := os.Getenv("BLOCKED_TERMS"); terms != "" {
		guard.SetBlockedTerms(strings.Split(terms, ","))
	}
	queue := actions.NewQueue(st, nil)
	followups := scheduler.NewService(st, sender, botCfg)
	orch := flow.NewOrchestrator(st, assembler, router, guard, sender, queue, followups, policies, botCfg)

	if err := followups.Start(); err != nil {
		slog.Error("Failed to start followup scheduler", "error", err)
		os.Exit(1)
	}
	defer followups.Stop()

	server := api.NewServer(orch, st, queue, policies, botCfg, buildAPIOptions(flags)...)

	// Serve until interrupted.
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Failed to shut down API server", "error", err)
		os.Exit(1)
	}
	slog.Info("dmflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	StateDir       string
	APIAddr        string
	WebhookSecret  string
	AdminToken     string
	SendURL        string
	SeenURL        string
	PlatformToken  string
	CatalogPath    string
	ProviderAKey   string
	ProviderABase  string
	ProviderAModel string
	ProviderBKey   string
	ProviderBBase  string
	ProviderBModel string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	webhookSecret *string
	adminToken    *string
	sendURL       *string
	seenURL       *string
	platformToken *string
	catalogPath   *string
	providerAKey  *string
	providerBKey  *string
	config        Config
}

// initializeLogger sets up structured logging with the level from $LOG_LEVEL
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("DMFLOW_STATE_DIR"),
		APIAddr:        os.Getenv("API_ADDR"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		SendURL:        os.Getenv("PLATFORM_SEND_URL"),
		SeenURL:        os.Getenv("PLATFORM_SEEN_URL"),
		PlatformToken:  os.Getenv("PLATFORM_TOKEN"),
		CatalogPath:    os.Getenv("CATALOG_PATH"),
		ProviderAKey:   os.Getenv("PROVIDER_A_API_KEY"),
		ProviderABase:  os.Getenv("PROVIDER_A_BASE_URL"),
		ProviderAModel: os.Getenv("PROVIDER_A_MODEL"),
		ProviderBKey:   os.Getenv("PROVIDER_B_API_KEY"),
		ProviderBBase:  os.Getenv("PROVIDER_B_BASE_URL"),
		ProviderBModel: os.Getenv("PROVIDER_B_MODEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DMFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DMFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"WEBHOOK_SECRET_SET", config.WebhookSecret != "",
		"PLATFORM_SEND_URL_SET", config.SendURL != "",
		"PROVIDER_A_KEY_SET", config.ProviderAKey != "",
		"PROVIDER_B_KEY_SET", config.ProviderBKey != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for dmflow data (overrides $DMFLOW_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN, postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		webhookSecret: flag.String("webhook-secret", config.WebhookSecret, "webhook signature secret (overrides $WEBHOOK_SECRET)"),
		adminToken:    flag.String("admin-token", config.AdminToken, "bearer token for admin endpoints (overrides $ADMIN_TOKEN)"),
		sendURL:       flag.String("send-url", config.SendURL, "platform send endpoint (overrides $PLATFORM_SEND_URL)"),
		seenURL:       flag.String("seen-url", config.SeenURL, "platform read-ack endpoint (overrides $PLATFORM_SEEN_URL)"),
		platformToken: flag.String("platform-token", config.PlatformToken, "platform API token (overrides $PLATFORM_TOKEN)"),
		catalogPath:   flag.String("catalog", config.CatalogPath, "path to a catalog JSON file (overrides $CATALOG_PATH)"),
		providerAKey:  flag.String("provider-a-key", config.ProviderAKey, "API key for the primary provider (overrides $PROVIDER_A_API_KEY)"),
		providerBKey:  flag.String("provider-b-key", config.ProviderBKey, "API key for the secondary provider (overrides $PROVIDER_B_API_KEY)"),
		config:        config,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"catalogPath", *flags.catalogPath)

	return flags
}

// buildStore opens the storage backend matching the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store; state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildBotConfig assembles the engine configuration from environment overrides.
func buildBotConfig() models.BotConfig {
	cfg := models.DefaultBotConfig()
	if v := os.Getenv("SYSTEM_PROMPT"); v != "" {
		cfg.SystemPrompt = v
	}
	if v := os.Getenv("FALLBACK_REPLY"); v != "" {
		cfg.FallbackReply = v
	}
	if v := os.Getenv("FOLLOWUP_MESSAGE"); v != "" {
		cfg.FollowupMessage = v
	}
	if v := models.ConversationMode(os.Getenv("ROUTING_MODE")); models.IsValidMode(v) {
		cfg.Mode = v
	}
	cfg.MaxHistoryMessages = util.ParseIntEnv("MAX_HISTORY_MESSAGES", cfg.MaxHistoryMessages)
	cfg.ContextCharBudget = util.ParseIntEnv("CONTEXT_CHAR_BUDGET", cfg.ContextCharBudget)
	cfg.MaxRewrites = util.ParseIntEnv("MAX_REWRITES", cfg.MaxRewrites)
	cfg.LoopLookback = util.ParseIntEnv("LOOP_LOOKBACK", cfg.LoopLookback)
	cfg.SimilarityThreshold = util.ParseFloatEnv("SIMILARITY_THRESHOLD", cfg.SimilarityThreshold)
	cfg.ReplyWindow = util.ParseDurationEnv("REPLY_WINDOW", cfg.ReplyWindow)
	cfg.DedupWindow = util.ParseDurationEnv("DEDUP_WINDOW", cfg.DedupWindow)
	cfg.FollowupDelay = util.ParseDurationEnv("FOLLOWUP_DELAY", cfg.FollowupDelay)
	cfg.ProviderTimeout = util.ParseDurationEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	return cfg
}

// buildSender picks the platform adapter. Without a send URL, or with
// DRY_RUN set, the engine runs in dry-run mode and replies are only logged.
func buildSender(flags Flags) messaging.Service {
	if util.ParseBoolEnv("DRY_RUN", false) {
		slog.Warn("DRY_RUN enabled, running with mock sender")
		return messaging.NewMockService()
	}
	if *flags.sendURL == "" {
		slog.Warn("No PLATFORM_SEND_URL configured, running with mock sender (dry run)")
		return messaging.NewMockService()
	}
	var opts []messaging.HTTPOption
	if *flags.seenURL != "" {
		opts = append(opts, messaging.WithSeenURL(*flags.seenURL))
	}
	return messaging.NewHTTPService(*flags.sendURL, *flags.platformToken, opts...)
}

// buildCatalog loads the product catalog, if configured.
func buildCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		slog.Debug("No catalog configured, product grounding disabled")
		return catalog.NewStaticCatalog(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var products []catalog.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, err
	}
	slog.Info("Catalog loaded", "path", path, "products", len(products))
	return catalog.NewStaticCatalog(products), nil
}

// buildRouter wires the two generation providers behind the health router.
func buildRouter(flags Flags, st store.Store, cfg models.BotConfig) *genai.Router {
	config := flags.config
	if *flags.providerAKey == "" {
		slog.Warn("PROVIDER_A_API_KEY not set, primary provider calls will fail")
	}
	modelA := config.ProviderAModel
	if modelA == "" {
		modelA = DefaultModel
	}
	modelB := config.ProviderBModel
	if modelB == "" {
		modelB = DefaultModel
	}
	primary := genai.NewOpenAIClient("provider_a", *flags.providerAKey, config.ProviderABase, modelA)
	secondary := genai.NewOpenAIClient("provider_b", *flags.providerBKey, config.ProviderBBase, modelB)
	return genai.NewRouter(primary, secondary, st, cfg.ProviderTimeout)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.webhookSecret != "" {
		apiOpts = append(apiOpts, api.WithWebhookSecret(*flags.webhookSecret))
	}
	if *flags.adminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(*flags.adminToken))
	}
	return apiOpts
}
