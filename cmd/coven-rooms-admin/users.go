// ABOUTME: User and permission commands for the admin CLI
// ABOUTME: Creates users, toggles notifications and grants or revokes permission codes

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/coven-rooms/internal/store"
)

func (a *admin) cmdUsers(ctx context.Context, args []string) error {
	sub, args := subcommand(args)
	switch sub {
	case "list", "ls":
		return a.cmdUsersList(ctx)
	case "create", "add":
		return a.cmdUsersCreate(ctx, args)
	case "notify":
		return a.cmdUsersNotify(ctx, args)
	default:
		return fmt.Errorf("unknown users subcommand: %s (use list, create, notify)", sub)
	}
}

func (a *admin) cmdUsersList(ctx context.Context) error {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(a.out, "  (no users)")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tUSERNAME\tDISPLAY NAME\tNOTIFY\tSUPERUSER\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%t\t%t\t%s\n",
			truncate(u.ID, 12), u.Username, truncate(u.DisplayName, 24),
			u.EnableNotifications, u.IsSuperuser, humanize.Time(u.CreatedAt))
	}
	return w.Flush()
}

func (a *admin) cmdUsersCreate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("users create", pflag.ContinueOnError)
	username := fs.StringP("username", "u", "", "login name (required)")
	name := fs.StringP("name", "n", "", "display name (defaults to username)")
	superuser := fs.Bool("superuser", false, "grant every permission implicitly")
	noNotify := fs.Bool("no-notify", false, "disable offline notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	u := &store.User{
		ID:                  uuid.New().String(),
		Username:            strings.TrimSpace(*username),
		DisplayName:         strings.TrimSpace(*name),
		EnableNotifications: !*noNotify,
		IsSuperuser:         *superuser,
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	if !u.IsSuperuser {
		for _, code := range store.DefaultMemberPermissions {
			if err := a.store.GrantPermission(ctx, a.actor, u.ID, code); err != nil {
				return fmt.Errorf("granting %s: %w", code, err)
			}
		}
	}

	color.New(color.FgGreen).Fprintf(a.out, "  ✓ Created user %s (%s)\n", u.Username, u.ID)
	return nil
}

func (a *admin) cmdUsersNotify(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: users notify <username> on|off")
	}
	var enabled bool
	switch args[1] {
	case "on", "true", "yes":
		enabled = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	u, err := a.lookupUser(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.store.SetNotifications(ctx, u.ID, enabled); err != nil {
		return fmt.Errorf("updating notifications: %w", err)
	}
	fmt.Fprintf(a.out, "  notifications for %s: %s\n", u.Username, args[1])
	return nil
}

func (a *admin) cmdPerms(ctx context.Context, args []string) error {
	sub, args := subcommand(args)
	if len(args) == 0 {
		return fmt.Errorf("usage: perms %s <username> [codes...]", sub)
	}
	u, err := a.lookupUser(ctx, args[0])
	if err != nil {
		return err
	}
	codes := args[1:]

	switch sub {
	case "list", "ls":
		return a.printPerms(ctx, u)
	case "grant":
		if len(codes) == 0 {
			return fmt.Errorf("no permission codes given (valid: %s)", strings.Join(store.ValidPermissions, ", "))
		}
		for _, code := range codes {
			if err := a.store.GrantPermission(ctx, a.actor, u.ID, code); err != nil {
				return fmt.Errorf("granting %s: %w", code, err)
			}
		}
	case "revoke":
		if len(codes) == 0 {
			return errors.New("no permission codes given")
		}
		for _, code := range codes {
			if err := a.store.RevokePermission(ctx, a.actor, u.ID, code); err != nil {
				return fmt.Errorf("revoking %s: %w", code, err)
			}
		}
	default:
		return fmt.Errorf("unknown perms subcommand: %s (use list, grant, revoke)", sub)
	}
	return a.printPerms(ctx, u)
}

func (a *admin) printPerms(ctx context.Context, u *store.User) error {
	if u.IsSuperuser {
		fmt.Fprintf(a.out, "  %s is a superuser and holds every permission\n", u.Username)
		return nil
	}
	codes, err := a.store.ListPermissions(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("listing permissions: %w", err)
	}
	if len(codes) == 0 {
		fmt.Fprintf(a.out, "  %s: (none)\n", u.Username)
		return nil
	}
	fmt.Fprintf(a.out, "  %s: %s\n", u.Username, strings.Join(codes, ", "))
	return nil
}

func (a *admin) lookupUser(ctx context.Context, username string) (*store.User, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no user named %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", username, err)
	}
	return u, nil
}
