// ABOUTME: Entry point for the coven-rooms chat server
// ABOUTME: Provides serve, bootstrap, token, health and stats commands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/gateway"
	"github.com/2389/coven-rooms/internal/room"
	"github.com/2389/coven-rooms/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  _ __ ___  ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ / _ \| '_ ' _ \/ __|
| (_| (_) \ V /  __/ | | |_____| | | (_) | (_) | | | | | \__ \
 \___\___/ \_/ \___|_| |_|     |_|  \___/ \___/|_| |_| |_|___/
`

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-rooms <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the chat server")
	fmt.Println("  bootstrap --username NAME   Create config, database and the first superuser")
	fmt.Println("  token --username NAME       Issue a bearer token for a user")
	fmt.Println("  health                      Check server health")
	fmt.Println("  stats                       Show live room statistics")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env file is fine.
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	green.Print("    ▶ ")
	fmt.Printf("History:   %d messages, %s send buffer\n", cfg.Rooms.HistoryLimit, humanize.Comma(int64(cfg.Rooms.SendBuffer)))
	if cfg.Attachments.Dir != "" {
		green.Print("    ▶ ")
		fmt.Printf("Uploads:   %s (max %s)\n", cfg.Attachments.Dir, humanize.Bytes(uint64(cfg.Attachments.MaxSize)))
	}
	fmt.Println()

	logger.Info("starting coven-rooms",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backplane", cfg.Backplane.Mode,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// writeDefaultConfig creates a config file with a fresh JWT secret.
func writeDefaultConfig(configPath, dbPath string) error {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`# coven-rooms configuration
# Generated by coven-rooms bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_ttl: "720h"

rooms:
  history_limit: 50

attachments:
  dir: "%s"
  max_size: "10MB"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: false
`, dbPath, jwtSecret, filepath.Join(filepath.Dir(dbPath), "attachments"))

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runBootstrap performs first-time setup:
// 1. Creates the config file with a random JWT secret (if not exists)
// 2. Creates the database and a superuser
// 3. Issues a token for that superuser
func runBootstrap(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	username := fs.StringP("username", "u", "", "username of the first superuser")
	displayName := fs.StringP("name", "n", "", "display name (defaults to username)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	*username = strings.TrimSpace(*username)
	if *username == "" {
		return errors.New("--username flag is required")
	}
	if len(*username) > 100 {
		return errors.New("username exceeds maximum length of 100 characters")
	}

	configPath := config.DefaultPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultConfig(configPath, filepath.Join(getDataPath(), "rooms.db")); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	users, err := s.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("checking users: %w", err)
	}
	if len(users) > 0 {
		return fmt.Errorf("bootstrap already complete: %d user(s) exist", len(users))
	}

	u := &store.User{
		ID:                  uuid.New().String(),
		Username:            *username,
		DisplayName:         *displayName,
		EnableNotifications: true,
		IsSuperuser:         true,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created superuser: %s\n", u.Username)

	token, expiresAt, err := issueToken(cfg, u.ID, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	fmt.Printf("  ID:       %s\n", u.ID)
	fmt.Printf("  Username: %s\n", u.Username)
	fmt.Printf("  Token:    %s (expires %s)\n", tokenPath, humanize.Time(expiresAt))
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    coven-rooms serve             # start the server")
	fmt.Println("    coven-rooms-admin users list  # manage users and conversations")
	fmt.Println()
	return nil
}

func issueToken(cfg *config.Config, userID string, ttl time.Duration) (string, time.Time, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token: %w", err)
	}
	return token, time.Now().Add(ttl), nil
}

// runToken prints a fresh bearer token for an existing user.
func runToken(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	username := fs.StringP("username", "u", "", "user to issue the token for")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--username flag is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *ttl == 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	u, err := s.GetUserByUsername(ctx, *username)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", *username, err)
	}

	token, expiresAt, err := issueToken(cfg, u.ID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", humanize.Time(expiresAt))
	return nil
}

// fetch GETs a path on the configured HTTP address.
func fetch(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := fetch(ctx, "/health")
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

func runStats(ctx context.Context) error {
	resp, err := fetch(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	var stats room.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}
	fmt.Printf("rooms:   %s\n", humanize.Comma(int64(stats.Rooms)))
	fmt.Printf("members: %s\n", humanize.Comma(int64(stats.Members)))
	fmt.Printf("online:  %s\n", humanize.Comma(int64(stats.Online)))
	return nil
}
