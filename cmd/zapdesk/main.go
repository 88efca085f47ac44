package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/zapdesk/zapdesk/internal/api"
	"github.com/zapdesk/zapdesk/internal/auth"
	"github.com/zapdesk/zapdesk/internal/classifier"
	"github.com/zapdesk/zapdesk/internal/engine"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/lockfile"
	"github.com/zapdesk/zapdesk/internal/messaging"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/twiliowhatsapp"
	"github.com/zapdesk/zapdesk/internal/util"
	"github.com/zapdesk/zapdesk/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ZapDesk state data
	DefaultStateDir = "/var/lib/zapdesk"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "zapdesk.db"
	// DefaultWhatsAppDBFileName is the default Whatsmeow session store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("ZapDesk failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ZapDesk exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	Transport   string
	OpenAIKey   string
	JWTSecret   string
	APIAddr     string
	MediaDir    string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	transport *string
	openaiKey *string
	jwtSecret *string
	apiAddr   *string
	mediaDir  *string
	qrOutput  *string
	numeric   *bool
}

// initializeLogger sets up structured logging. ZAPDESK_DEBUG=1 lowers the
// level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ZAPDESK_DEBUG", false) {
		level = slog.LevelDebug
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
		StateDir:    os.Getenv("ZAPDESK_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		Transport:   os.Getenv("ZAPDESK_TRANSPORT"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		APIAddr:     os.Getenv("API_ADDR"),
		MediaDir:    os.Getenv("MEDIA_DIR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ZAPDESK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}
	if config.MediaDir == "" {
		config.MediaDir = filepath.Join(config.StateDir, "media")
	}

	slog.Debug("environment variables loaded",
		"ZAPDESK_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"ZAPDESK_TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"JWT_SECRET_SET", config.JWTSecret != "",
		"API_ADDR", config.APIAddr,
		"MEDIA_DIR", config.MediaDir)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ZapDesk data (overrides $ZAPDESK_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "Whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		transport: flag.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $ZAPDESK_TRANSPORT)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for AI choice steps (overrides $OPENAI_API_KEY)"),
		jwtSecret: flag.String("jwt-secret", config.JWTSecret, "secret used to sign API tokens (overrides $JWT_SECRET)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		mediaDir:  flag.String("media-dir", config.MediaDir, "directory for inbound media files (overrides $MEDIA_DIR)"),
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"openaiKeySet", *flags.openaiKey != "",
		"jwtSecretSet", *flags.jwtSecret != "",
		"apiAddr", *flags.apiAddr,
		"mediaDir", *flags.mediaDir)

	return flags
}

func run(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}

	// One instance per state directory; a second WhatsApp session over the
	// same credentials corrupts both.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, twilioWebhook, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	defer msgService.Stop()

	hub := events.NewHub()
	go hub.Run()
	defer hub.Close()

	engineOpts := []engine.Option{engine.WithMediaDir(*flags.mediaDir)}
	if *flags.openaiKey != "" {
		cls, err := classifier.NewOpenAIClassifier(classifier.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithClassifier(cls))
	} else {
		slog.Warn("No OpenAI API key configured; QUESTION_AI_CHOICE steps will re-prompt instead of classifying")
	}
	eng := engine.NewEngine(st, msgService, hub, engineOpts...)

	secret := *flags.jwtSecret
	if secret == "" {
		// Generated secrets invalidate every session on restart; fine for
		// evaluation setups, set JWT_SECRET in production.
		secret = util.GenerateRandomHex(64)
		slog.Warn("No JWT_SECRET configured, generated an ephemeral one")
	}
	authMgr, err := auth.NewManager(secret)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithMediaDir(*flags.mediaDir)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioWebhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioWebhook))
	}
	server := api.NewServer(st, msgService, eng, authMgr, hub, apiOpts...)

	if err := server.BootstrapAdmin(); err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	go eng.Run(ctx)

	slog.Info("ZapDesk bootstrapped", "transport", *flags.transport, "state_dir", *flags.stateDir)
	return server.Run(ctx)
}

// openStore selects the store backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService wires the configured transport. The Twilio transport
// additionally returns its inbound webhook for the API to mount.
func buildMessagingService(flags Flags) (messaging.Service, http.HandlerFunc, error) {
	switch *flags.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		service := messaging.NewTwilioService(client)
		return service, service.WebhookHandler, nil
	case "whatsapp":
		var waOpts []whatsapp.Option
		if *flags.waDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (expected whatsapp or twilio)", *flags.transport)
	}
}
