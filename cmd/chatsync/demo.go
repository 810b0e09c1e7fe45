package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"chatsync/internal/derived"
	"chatsync/internal/recordstore/memory"
	"chatsync/pkg/chatsync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const demoSettleTimeout = 5 * time.Second

var demoUsers = []chatsync.Identity{
	{ID: "u1", Email: "ann@example.com", Name: "Ann"},
	{ID: "u2", Email: "ben@example.com", Name: "Ben"},
	{ID: "u3", Email: "cleo@example.com", Name: "Cleo"},
	{ID: "u4", Email: "dan@example.com", Name: "Dan"},
}

func newDemoCommand() *cobra.Command {
	var rawLevel string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the sync graph against an in-process store with concurrent writers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLogLevel(rawLevel)
			if err != nil {
				return fmt.Errorf("parse --log-level: %w", err)
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := runDemo(ctx, logger)
			if err != nil {
				return err
			}

			return result.print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&rawLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

type demoResult struct {
	session       chatsync.Identity
	conversations []chatsync.Conversation
	directory     map[string]chatsync.DirectoryEntry
}

// runDemo signs in as the first demo user, drives concurrent writers against
// the store and returns the graph state once it matches the store.
func runDemo(ctx context.Context, logger *slog.Logger) (demoResult, error) {
	server := memory.NewServer(memory.WithLogger(logger))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := server.Close(closeCtx); err != nil {
			logger.Warn("close demo store", "error", err)
		}
	}()

	for _, user := range demoUsers {
		if _, err := server.Seed(ctx, chatsync.UsersCollection, user.Record()); err != nil {
			return demoResult{}, fmt.Errorf("seed demo users: %w", err)
		}
	}
	actors := make(map[string]chatsync.Client, len(demoUsers))
	for _, user := range demoUsers {
		client, err := server.AuthAs(user.ID)
		if err != nil {
			return demoResult{}, err
		}
		actors[user.ID] = client
	}

	ann := actors["u1"]
	graph := derived.New(ann, derived.WithLogger(logger))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := graph.Close(closeCtx); err != nil {
			logger.Warn("close demo graph", "error", err)
		}
	}()

	cancel, err := attachLoggers(ctx, graph, logger)
	if err != nil {
		return demoResult{}, err
	}
	defer cancel()

	settleCtx, settleCancel := context.WithTimeout(ctx, demoSettleTimeout)
	defer settleCancel()

	// Writes before the initial list lands would race the bulk read.
	if err := awaitSeeded(settleCtx, graph); err != nil {
		return demoResult{}, err
	}
	if err := driveWriters(ctx, actors); err != nil {
		return demoResult{}, fmt.Errorf("drive writers: %w", err)
	}

	return awaitConvergence(settleCtx, graph, ann)
}

// driveWriters runs one concurrent round of creates and messages, then a
// sequential round of leaves, deletes and a profile rename.
func driveWriters(ctx context.Context, actors map[string]chatsync.Client) error {
	created := make(map[string]string)
	plans := []struct {
		author  string
		name    string
		members []string
	}{
		{author: "u2", name: "ben+ann", members: []string{"u2", "u1"}},
		{author: "u3", name: "cleo+ann", members: []string{"u3", "u1"}},
		{author: "u1", name: "everyone", members: []string{"u1", "u2", "u3", "u4"}},
	}
	ids := make([]string, len(plans))

	group, groupCtx := errgroup.WithContext(ctx)
	for index, plan := range plans {
		group.Go(func() error {
			record, err := actors[plan.author].Collection(chatsync.ConversationsCollection).Create(groupCtx, chatsync.Record{
				"name":     plan.name,
				"members":  plan.members,
				"admins":   []string{plan.author},
				"messages": []any{},
			})
			if err != nil {
				return fmt.Errorf("create %s: %w", plan.name, err)
			}
			ids[index] = record.ID()

			return sendMessage(groupCtx, actors[plan.author], record.ID(), plan.author, "hello from "+plan.name)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for index, plan := range plans {
		created[plan.name] = ids[index]
	}

	conversations := actors["u3"].Collection(chatsync.ConversationsCollection)
	record, err := conversations.GetOne(ctx, created["everyone"])
	if err != nil {
		return err
	}
	everyone, err := chatsync.DecodeConversation(record)
	if err != nil {
		return err
	}
	members, dissolve := everyone.WithoutMember("u3")
	if !dissolve {
		if _, err := conversations.Update(ctx, everyone.ID, chatsync.Record{"members": members}); err != nil {
			return fmt.Errorf("leave everyone: %w", err)
		}
	}

	if err := actors["u1"].Collection(chatsync.ConversationsCollection).Delete(ctx, created["cleo+ann"]); err != nil {
		return fmt.Errorf("delete cleo+ann: %w", err)
	}
	if _, err := actors["u2"].Collection(chatsync.ConversationsCollection).Update(ctx, created["ben+ann"], chatsync.Record{
		"name": "lunch plans",
	}); err != nil {
		return fmt.Errorf("rename ben+ann: %w", err)
	}
	if _, err := actors["u1"].Collection(chatsync.UsersCollection).Update(ctx, "u1", chatsync.Record{
		"name": "Ann Lee",
	}); err != nil {
		return fmt.Errorf("rename u1: %w", err)
	}

	return nil
}

// sendMessage prepends one text message to a conversation history.
func sendMessage(ctx context.Context, client chatsync.Client, conversationID string, userID string, content string) error {
	conversations := client.Collection(chatsync.ConversationsCollection)
	record, err := conversations.GetOne(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	conversation, err := chatsync.DecodeConversation(record)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	message := chatsync.NewMessage(userID, content, chatsync.ContentTypeMessage, time.Now())
	history := chatsync.PrependMessage(conversation.Messages, message)
	if _, err := conversations.Update(ctx, conversationID, chatsync.Record{
		"messages": chatsync.MessagesRecord(history),
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func awaitSeeded(ctx context.Context, graph *derived.Graph) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		snapshot, err := graph.Conversations().Current(ctx)
		if err != nil {
			return err
		}
		if snapshot.Present {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("await initial conversations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitConvergence polls until the graph shows the same conversation ids as
// the store, the renamed session, and a directory entry for every member.
func awaitConvergence(ctx context.Context, graph *derived.Graph, client chatsync.Client) (demoResult, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		records, err := client.Collection(chatsync.ConversationsCollection).FullList(ctx, chatsync.ListOptions{Sort: "-created"})
		if err != nil {
			return demoResult{}, err
		}
		want := make([]string, 0, len(records))
		for _, record := range records {
			want = append(want, record.ID())
		}
		slices.Sort(want)

		result, converged, err := sample(ctx, graph, want)
		if err != nil {
			return demoResult{}, err
		}
		if converged {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return demoResult{}, fmt.Errorf("await convergence: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func sample(ctx context.Context, graph *derived.Graph, want []string) (demoResult, bool, error) {
	session, err := graph.Session().Current(ctx)
	if err != nil {
		return demoResult{}, false, err
	}
	conversations, err := graph.Conversations().Current(ctx)
	if err != nil {
		return demoResult{}, false, err
	}
	directory, err := graph.Directory().Current(ctx)
	if err != nil {
		return demoResult{}, false, err
	}
	if !session.Present || !conversations.Present || session.Value.Name != "Ann Lee" {
		return demoResult{}, false, nil
	}

	got := make([]string, 0, len(conversations.Value))
	for _, conversation := range conversations.Value {
		got = append(got, conversation.ID)
	}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		return demoResult{}, false, nil
	}
	if len(derived.RequiredUserIDs(conversations.Value, session.Value.ID, directory.Value)) > 0 {
		return demoResult{}, false, nil
	}

	return demoResult{
		session:       session.Value,
		conversations: conversations.Value,
		directory:     directory.Value,
	}, true, nil
}

func (r demoResult) print(out io.Writer) error {
	var builder strings.Builder
	fmt.Fprintf(&builder, "signed in as %s <%s>\n", r.session.Name, r.session.Email)
	for _, conversation := range r.conversations {
		names := make([]string, 0, len(conversation.Members))
		for _, member := range conversation.Members {
			if member == r.session.ID {
				names = append(names, r.session.Name)
				continue
			}
			if entry, ok := r.directory[member]; ok {
				names = append(names, entry.Name)
				continue
			}
			names = append(names, member)
		}
		fmt.Fprintf(&builder, "- %s (%s)", conversation.Name, strings.Join(names, ", "))
		if len(conversation.Messages) > 0 {
			fmt.Fprintf(&builder, ": %q", conversation.Messages[0].Content)
		}
		builder.WriteString("\n")
	}

	_, err := io.WriteString(out, builder.String())
	return err
}
