package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

// openMigrationDB opens the configured SQL database without migrating it.
func openMigrationDB(cfg *config.Config) (*sql.DB, storage.Dialect, error) {
	dialect := storage.Dialect(cfg.Database.Driver)
	var driver string
	switch dialect {
	case storage.DialectSQLite:
		driver = "sqlite"
	case storage.DialectPostgres:
		driver = "postgres"
	default:
		return nil, "", fmt.Errorf("migrations need a sql database, driver is %q", cfg.Database.Driver)
	}
	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Database.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
	}
	return db, dialect, nil
}

func newMigrator(configPath string) (*storage.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, dialect, err := openMigrationDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { db.Close() }, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)

	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
	}
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)

	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
	}
	return nil
}

// runMigrateStatus prints applied and pending migrations.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED")
	for _, m := range applied {
		fmt.Fprintf(w, "%s\tapplied\t%s\n", m.ID, humanize.Time(m.AppliedAt))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "%s\tpending\t-\n", m.ID)
	}
	return w.Flush()
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid\n", configPath)
	fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  llm:      %s %s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Fprintf(out, "  channels: %s\n", strings.Join(enabledChannels(cfg), ", "))
	return nil
}

func enabledChannels(cfg *config.Config) []string {
	var out []string
	ch := cfg.Channels
	for _, c := range []struct {
		name    string
		enabled bool
	}{
		{"web", ch.Web.Enabled},
		{"telegram", ch.Telegram.Enabled},
		{"slack", ch.Slack.Enabled},
		{"discord", ch.Discord.Enabled},
		{"email", ch.Email.Enabled},
	} {
		if c.enabled {
			out = append(out, c.name)
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

// =============================================================================
// Inspection Command Handlers
// =============================================================================

type historyOptions struct {
	limit         int
	includeFailed bool
	json          bool
}

func openStore(ctx context.Context, configPath string) (storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func runHistory(cmd *cobra.Command, configPath, conversation string, opts historyOptions) error {
	conv, err := models.ParseConversationID(conversation)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := store.History(cmd.Context(), conv, storage.HistoryOptions{
		Limit:         opts.limit,
		IncludeFailed: opts.includeFailed,
	})
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if opts.json {
		return writeJSON(cmd.OutOrStdout(), msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No messages in %s.\n", conv)
		return nil
	}
	printMessages(cmd.OutOrStdout(), msgs)
	return nil
}

func runTurn(cmd *cobra.Command, configPath, id string, asJSON bool) error {
	store, err := openStore(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	turn, err := store.GetTurn(cmd.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("turn %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read turn: %w", err)
	}
	msgs, err := store.TurnMessages(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to read turn messages: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, map[string]any{"turn": turn, "messages": msgs})
	}
	fmt.Fprintf(out, "Turn %s\n", turn.ID)
	fmt.Fprintf(out, "  conversation: %s\n", turn.ConversationID)
	fmt.Fprintf(out, "  state:        %s\n", turn.State)
	fmt.Fprintf(out, "  iterations:   %d\n", turn.Iterations)
	fmt.Fprintf(out, "  started:      %s\n", humanize.Time(turn.StartedAt))
	if !turn.FinishedAt.IsZero() {
		fmt.Fprintf(out, "  took:         %s\n", turn.FinishedAt.Sub(turn.StartedAt).Round(time.Millisecond))
	}
	if turn.Error != "" {
		fmt.Fprintf(out, "  error:        %s\n", turn.Error)
	}
	fmt.Fprintln(out)
	printMessages(out, msgs)
	return nil
}

func printMessages(out io.Writer, msgs []*models.Message) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", humanize.Time(m.CreatedAt), messageAuthor(m), summarize(m))
	}
	_ = w.Flush() //nolint:errcheck
}

func messageAuthor(m *models.Message) string {
	switch {
	case m.Origin == models.OriginSystem:
		return "system"
	case m.Role == models.RoleUser && m.Sender != "":
		return m.Sender
	default:
		return string(m.Role)
	}
}

func summarize(m *models.Message) string {
	var parts []string
	if m.Content != "" {
		parts = append(parts, strings.ReplaceAll(m.Content, "\n", " "))
	}
	for _, call := range m.ToolCalls {
		parts = append(parts, fmt.Sprintf("[call %s]", call.Name))
	}
	for range m.ToolResults {
		parts = append(parts, "[tool result]")
	}
	if n := len(m.Attachments); n > 0 {
		parts = append(parts, fmt.Sprintf("[%d attachment(s), %s]", n, humanize.Bytes(uint64(attachmentBytes(m.Attachments)))))
	}
	if m.Error != "" {
		parts = append(parts, "(failed: "+m.Error+")")
	}
	return strings.Join(parts, " ")
}

func attachmentBytes(atts []models.Attachment) int64 {
	var total int64
	for _, a := range atts {
		total += a.Size
	}
	return total
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Token Command Handler
// =============================================================================

func runTokenIssue(cmd *cobra.Command, configPath, subject, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	token, err := newAuthService(cfg.Server.Auth).IssueToken(&auth.Principal{ID: subject, Name: name})
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return errors.New("server.auth.jwt_secret is not set")
		}
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
