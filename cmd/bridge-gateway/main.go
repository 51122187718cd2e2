// ABOUTME: Entry point for the bridge-gateway server
// ABOUTME: Puppets messaging-platform bridge bots behind a Matrix homeserver

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/bridge-gateway/internal/api"
	"github.com/2389/bridge-gateway/internal/auth"
	"github.com/2389/bridge-gateway/internal/bridge"
	"github.com/2389/bridge-gateway/internal/config"
	"github.com/2389/bridge-gateway/internal/matrix"
	"github.com/2389/bridge-gateway/internal/relay"
	"github.com/2389/bridge-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _          _     _
| |__  _ __(_) __| | __ _  ___       __ _  __ _| |_ _____      ____ _ _   _
| '_ \| '__| |/ _' |/ _' |/ _ \_____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | |  | | (_| | (_| |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_.__/|_|  |_|\__,_|\__, |\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                    |___/            |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: BRIDGE_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/bridge-gateway/gateway.yaml > ~/.config/bridge-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BRIDGE_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "bridge-gateway", "gateway.yaml")
}

// getDataPath returns the path to the bridge-gateway data directory.
// Priority: XDG_DATA_HOME/bridge-gateway > ~/.local/share/bridge-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "bridge-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bridge-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the gateway server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  token --user USER_ID  Mint an API token for a user")
		fmt.Println("  health                Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	fmt.Println()

	logger.Info("starting bridge-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"homeserver", cfg.Matrix.Homeserver,
	)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to serve the API")
	}

	// Open the store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.Matrix.StorePath, 0700); err != nil {
		return fmt.Errorf("creating crypto store directory: %w", err)
	}

	// Puppet account provisioning and client construction
	registrar := matrix.NewRegistrar(cfg.Matrix.Homeserver, cfg.Matrix.SharedSecret, logger)
	accounts := matrix.NewAccountManager(registrar, st, logger)
	factory := bridge.NewMatrixClientFactory(accounts, cfg.Matrix.Homeserver, cfg.Matrix.StorePath, logger)
	cache := bridge.NewClientCache(factory, logger)
	sessions := bridge.NewCryptoSessionStore(st, cfg.Matrix.StorePath)

	// Relayed platform messages land on the sink; drain them to the log until
	// a downstream consumer is attached.
	sink := relay.NewChannelSink(1024, logger)
	go drainRelay(ctx, sink, logger)

	svc := bridge.NewService(st, cache, sessions, &cfg.Bridges.Bots, sink, bridge.NewClock(), bridge.ServiceConfig{
		MonitorBudget: cfg.Bridges.MonitorBudget,
		MonitorTick:   cfg.Bridges.MonitorTick,
	}, logger)
	defer svc.Close()

	// Bring previously connected bridges back up
	if err := svc.RestoreActive(ctx); err != nil {
		logger.Warn("restoring active bridges", "error", err)
	}

	// HTTP API
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	server := api.NewServer(svc, logger)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux, verifier)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	return nil
}

// drainRelay logs relayed platform messages until the context ends.
func drainRelay(ctx context.Context, sink *relay.ChannelSink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sink.Events():
			logger.Info("relayed message",
				"user_id", evt.UserID,
				"platform", evt.Platform,
				"room_id", evt.RoomID,
				"sender", evt.Sender,
				"chars", len(evt.Body),
			)
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an API token for a gateway user.
// Supports both "--user value" and "--user=value" formats.
func runToken() error {
	var userID string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
			i++
		case strings.HasPrefix(arg, "--ttl="):
			parsed, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	out, _ := json.MarshalIndent(map[string]string{
		"user_id":    userID,
		"token":      token,
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("bridge-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")
	defaultStorePath := filepath.Join(defaultDataPath, "crypto")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Matrix
	fmt.Println("\n--- Matrix Configuration ---")
	homeserver := prompt(reader, "Homeserver URL", "http://localhost:8008")
	sharedSecret := prompt(reader, "Registration shared secret", "")
	storePath := prompt(reader, "Crypto store directory", defaultStorePath)

	// Bridge bots
	fmt.Println("\n--- Bridge Bots ---")
	serverName := prompt(reader, "Homeserver name (for bot user IDs)", "example.com")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# bridge-gateway configuration\n")
	cfg.WriteString("# Generated by bridge-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString("  jwt_secret: \"${BRIDGE_GATEWAY_JWT_SECRET}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: \"%s\"\n", homeserver))
	if sharedSecret != "" {
		cfg.WriteString(fmt.Sprintf("  shared_secret: \"%s\"\n", sharedSecret))
	} else {
		cfg.WriteString("  shared_secret: \"${SYNAPSE_REGISTRATION_SECRET}\"\n")
	}
	cfg.WriteString(fmt.Sprintf("  store_path: \"%s\"\n", storePath))
	cfg.WriteString("\n")

	cfg.WriteString("bridges:\n")
	cfg.WriteString("  bots:\n")
	cfg.WriteString(fmt.Sprintf("    whatsapp: \"@whatsappbot:%s\"\n", serverName))
	cfg.WriteString(fmt.Sprintf("    telegram: \"@telegrambot:%s\"\n", serverName))
	cfg.WriteString(fmt.Sprintf("    signal: \"@signalbot:%s\"\n", serverName))
	cfg.WriteString(fmt.Sprintf("    messenger: \"@messengerbot:%s\"\n", serverName))
	cfg.WriteString(fmt.Sprintf("    instagram: \"@instagrambot:%s\"\n", serverName))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  bridge-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
