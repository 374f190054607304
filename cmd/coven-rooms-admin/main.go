// ABOUTME: Admin CLI for coven-rooms users, permissions and conversations
// ABOUTME: Operates directly on the SQLite database named by the server config

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/store"
)

const banner = `
  _ __ ___   ___  _ __ ___  ___        __ _  __| |_ __ ___ (_)_ __
 | '__/ _ \ / _ \| '_ ' _ \/ __|_____ / _' |/ _' | '_ ' _ \| | '_ \
 | | | (_) | (_) | | | | | \__ \_____| (_| | (_| | | | | | | | | | |
 |_|  \___/ \___/|_| |_| |_|___/      \__,_|\__,_|_| |_| |_|_|_| |_|
`

// defaultActor is recorded in the audit log for changes made here.
const defaultActor = "coven-rooms-admin"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "help", "-h", "--help":
		printUsage()
		return
	}

	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_ROOMS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	actor := os.Getenv("COVEN_ROOMS_ACTOR")
	if actor == "" {
		actor = defaultActor
	}
	a := &admin{store: s, out: os.Stdout, actor: actor}
	return a.dispatch(ctx, args)
}

// admin runs commands against one open store.
type admin struct {
	store *store.SQLiteStore
	out   io.Writer
	actor string
}

func (a *admin) dispatch(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "users":
		return a.cmdUsers(ctx, args)
	case "perms":
		return a.cmdPerms(ctx, args)
	case "conversations", "convs":
		return a.cmdConversations(ctx, args)
	case "members":
		return a.cmdMembers(ctx, args)
	case "history":
		return a.cmdHistory(ctx, args)
	case "audit":
		return a.cmdAudit(ctx, args)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// subcommand splits off the first argument, defaulting to list.
func subcommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "list", nil
	}
	return args[0], args[1:]
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-rooms-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  users list                               List users")
	fmt.Println("  users create --username NAME [--name N]  Create a user with default permissions")
	fmt.Println("               [--superuser] [--no-notify]")
	fmt.Println("  users notify <username> on|off           Toggle offline notifications")
	fmt.Println("  perms list <username>                    Show a user's permission codes")
	fmt.Println("  perms grant <username> <code>...         Grant permission codes")
	fmt.Println("  perms revoke <username> <code>...        Revoke permission codes")
	fmt.Println("  conversations list <username>            List a user's conversations")
	fmt.Println("  conversations create --kind private|group --members a,b [--title T]")
	fmt.Println("  conversations show <id>                  Show a conversation and its participants")
	fmt.Println("  members add <conversation> <username> [--role member|moderator|admin]")
	fmt.Println("  members remove <conversation> <username>")
	fmt.Println("  history <conversation> [--limit N] [-s]  Print recent messages, -s adds delivery state")
	fmt.Println("  audit <user|conversation|message> <id>   Print audit log entries")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_ROOMS_CONFIG      Config file path")
	fmt.Println("  COVEN_ROOMS_DB_PATH     Overrides database.path")
	fmt.Println("  COVEN_ROOMS_ACTOR       Actor recorded in the audit log (default: coven-rooms-admin)")
	fmt.Println()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
