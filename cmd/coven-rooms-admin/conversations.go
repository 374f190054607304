// ABOUTME: Conversation, membership, history and audit commands for the admin CLI
// ABOUTME: Private conversations take exactly two members; groups make the first member admin

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/coven-rooms/internal/store"
)

func (a *admin) cmdConversations(ctx context.Context, args []string) error {
	sub, args := subcommand(args)
	switch sub {
	case "list", "ls":
		if len(args) != 1 {
			return errors.New("usage: conversations list <username>")
		}
		return a.cmdConversationsList(ctx, args[0])
	case "create", "add":
		return a.cmdConversationsCreate(ctx, args)
	case "show":
		if len(args) != 1 {
			return errors.New("usage: conversations show <id>")
		}
		return a.cmdConversationsShow(ctx, args[0])
	default:
		return fmt.Errorf("unknown conversations subcommand: %s (use list, create, show)", sub)
	}
}

func (a *admin) cmdConversationsList(ctx context.Context, username string) error {
	u, err := a.lookupUser(ctx, username)
	if err != nil {
		return err
	}
	ids, err := a.store.ListConversationsForUser(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(a.out, "  (no conversations)")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tKIND\tTITLE\tCREATED")
	for _, id := range ids {
		c, err := a.store.GetConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("loading conversation %s: %w", id, err)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.ID, c.Kind, truncate(c.Title, 32), humanize.Time(c.CreatedAt))
	}
	return w.Flush()
}

func (a *admin) cmdConversationsCreate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("conversations create", pflag.ContinueOnError)
	kind := fs.String("kind", "group", "private or group")
	title := fs.String("title", "", "group title")
	id := fs.String("id", "", "conversation ID (generated when empty)")
	members := fs.StringSlice("members", nil, "comma-separated usernames; the first is the group admin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := store.ConversationKind(*kind)
	if !k.Valid() {
		return fmt.Errorf("unknown kind %q (use private or group)", *kind)
	}
	if len(*members) == 0 {
		return errors.New("--members is required")
	}

	list := make([]store.ConversationMember, 0, len(*members))
	var creator string
	for i, name := range *members {
		u, err := a.lookupUser(ctx, strings.TrimSpace(name))
		if err != nil {
			return err
		}
		role := store.RoleMember
		if k == store.ConversationGroup && i == 0 {
			role = store.RoleAdmin
			creator = u.ID
		}
		list = append(list, store.ConversationMember{UserID: u.ID, Role: role})
	}
	if creator == "" {
		creator = list[0].UserID
	}

	c := &store.Conversation{ID: *id, Kind: k, Title: *title, CreatedBy: creator}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := a.store.CreateConversation(ctx, c, list); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	color.New(color.FgGreen).Fprintf(a.out, "  ✓ Created %s conversation %s\n", c.Kind, c.ID)
	fmt.Fprintf(a.out, "    connect at /ws/chat/%s/\n", c.ID)
	return nil
}

func (a *admin) cmdConversationsShow(ctx context.Context, id string) error {
	c, err := a.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no conversation %q", id)
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	participants, err := a.store.ListParticipants(ctx, id)
	if err != nil {
		return fmt.Errorf("listing participants: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Fprintf(a.out, "  %s (%s)\n", c.ID, c.Kind)
	if c.Title != "" {
		fmt.Fprintf(a.out, "  Title:   %s\n", c.Title)
	}
	fmt.Fprintf(a.out, "  Created: %s\n", humanize.Time(c.CreatedAt))
	if c.LastMessageID != nil {
		fmt.Fprintf(a.out, "  Last:    #%d\n", *c.LastMessageID)
	}
	fmt.Fprintln(a.out)

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USERNAME\tROLE\tJOINED")
	for _, p := range participants {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", p.Username, p.Role, humanize.Time(p.JoinedAt))
	}
	return w.Flush()
}

func (a *admin) cmdMembers(ctx context.Context, args []string) error {
	sub, args := subcommand(args)
	fs := pflag.NewFlagSet("members "+sub, pflag.ContinueOnError)
	role := fs.String("role", string(store.RoleMember), "member, moderator or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: members %s <conversation> <username>", sub)
	}
	convID := fs.Arg(0)
	u, err := a.lookupUser(ctx, fs.Arg(1))
	if err != nil {
		return err
	}

	switch sub {
	case "add":
		r := store.MemberRole(*role)
		if !r.Valid() {
			return fmt.Errorf("unknown role %q", *role)
		}
		if err := a.store.AddMember(ctx, convID, u.ID, r); err != nil {
			return fmt.Errorf("adding member: %w", err)
		}
		fmt.Fprintf(a.out, "  added %s to %s as %s\n", u.Username, convID, r)
	case "remove", "rm":
		if err := a.store.RemoveMember(ctx, convID, u.ID); err != nil {
			return fmt.Errorf("removing member: %w", err)
		}
		fmt.Fprintf(a.out, "  removed %s from %s\n", u.Username, convID)
	default:
		return fmt.Errorf("unknown members subcommand: %s (use add, remove)", sub)
	}
	return nil
}

func (a *admin) cmdHistory(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := fs.IntP("limit", "n", 20, "number of messages")
	status := fs.BoolP("status", "s", false, "show per-recipient delivery state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: history <conversation> [--limit N] [--status]")
	}

	msgs, err := a.store.RecentMessages(ctx, fs.Arg(0), *limit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(a.out, "  (no messages)")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	names := make(map[string]string)
	for _, m := range msgs {
		gray.Fprintf(a.out, "  #%d %s ", m.ID, m.CreatedAt.Format("Jan 02 15:04"))
		fmt.Fprintf(a.out, "%s: %s", m.SenderUsername, describe(m))
		if m.Edited {
			gray.Fprint(a.out, " (edited)")
		}
		fmt.Fprintln(a.out)
		if *status {
			if err := a.printStatuses(ctx, m.ID, names); err != nil {
				return err
			}
		}
	}
	return nil
}

// printStatuses lists each recipient's delivery row for a message. names
// caches user ID to username across calls.
func (a *admin) printStatuses(ctx context.Context, messageID int64, names map[string]string) error {
	rows, err := a.store.ListStatuses(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading delivery state: %w", err)
	}

	stateColor := map[store.DeliveryState]*color.Color{
		store.StatusSent:      color.New(color.FgYellow),
		store.StatusDelivered: color.New(color.FgCyan),
		store.StatusRead:      color.New(color.FgGreen),
	}
	for _, st := range rows {
		name, ok := names[st.UserID]
		if !ok {
			name = st.UserID
			if u, err := a.store.GetUser(ctx, st.UserID); err == nil {
				name = u.Username
			}
			names[st.UserID] = name
		}
		fmt.Fprintf(a.out, "      %s: ", name)
		if c, ok := stateColor[st.State]; ok {
			c.Fprint(a.out, st.State)
		} else {
			fmt.Fprint(a.out, st.State)
		}
		fmt.Fprintf(a.out, " (%s)\n", humanize.Time(st.UpdatedAt))
	}
	return nil
}

// describe renders a message body for the terminal.
func describe(m *store.Message) string {
	switch {
	case m.Attachment != nil && m.Body == "":
		return fmt.Sprintf("[%s %s, %s]", m.Kind, m.Attachment.FileName, humanize.Bytes(uint64(m.Attachment.Size)))
	case m.Attachment != nil:
		return fmt.Sprintf("%s [%s %s]", truncate(m.Body, 80), m.Kind, m.Attachment.FileName)
	case m.ReplyTo != nil:
		return fmt.Sprintf("↪#%d %s", m.ReplyTo.MessageID, truncate(m.Body, 80))
	default:
		return truncate(m.Body, 80)
	}
}

func (a *admin) cmdAudit(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("audit", pflag.ContinueOnError)
	limit := fs.IntP("limit", "n", 50, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: audit <user|conversation|message> <id>")
	}
	targetType, targetID := fs.Arg(0), fs.Arg(1)
	if targetType == "message" {
		if _, err := strconv.ParseInt(targetID, 10, 64); err != nil {
			return fmt.Errorf("message IDs are numeric, got %q", targetID)
		}
	}

	entries, err := a.store.ListAuditLog(ctx, targetType, targetID, *limit)
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "  (no entries)")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  WHEN\tACTOR\tACTION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%v\n", humanize.Time(e.Timestamp), truncate(e.ActorID, 20), e.Action, e.Detail)
	}
	return w.Flush()
}
