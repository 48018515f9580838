// Package attachments turns attachment references into model-consumable
// content: small text inline, large structured data as queryable handles.
package attachments

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// Mode is how a resolved attachment is presented to the model.
type Mode string

const (
	ModeInline    Mode = "inline"
	ModeHandle    Mode = "handle"
	ModeImage     Mode = "image"
	ModeReference Mode = "reference"
	ModeError     Mode = "error"
)

// Config controls the inline/handle split and fetch limits.
type Config struct {
	// InlineThreshold is the largest text payload, in bytes, inlined as is.
	InlineThreshold int64
	MaxFetchBytes   int64
	FetchTimeout    time.Duration
	HandleTTL       time.Duration
	SampleRows      int
}

// DefaultConfig returns the resolver defaults.
func DefaultConfig() Config {
	return Config{
		InlineThreshold: 32 << 10,
		MaxFetchBytes:   20 << 20,
		FetchTimeout:    30 * time.Second,
		HandleTTL:       time.Hour,
		SampleRows:      5,
	}
}

// Resolved is one attachment in model-consumable form.
type Resolved struct {
	Attachment models.Attachment
	Mode       Mode
	MimeType   string
	Size       int64
	// Text is the inlined content for ModeInline.
	Text string
	// Data holds image bytes for ModeImage.
	Data   []byte
	Handle *Handle
	Err    string
}

// Name returns the best display name for the attachment.
func (r *Resolved) Name() string {
	if r.Attachment.Filename != "" {
		return r.Attachment.Filename
	}
	if r.Handle != nil && r.Handle.Filename != "" {
		return r.Handle.Filename
	}
	if r.Attachment.ID != "" {
		return r.Attachment.ID
	}
	return "attachment"
}

// Describe renders the attachment as text for the model.
func (r *Resolved) Describe() string {
	size := humanize.Bytes(uint64(r.Size))
	switch r.Mode {
	case ModeInline:
		return fmt.Sprintf("[Attachment %s (%s, %s)]\n%s", r.Name(), r.MimeType, size, r.Text)
	case ModeHandle:
		h := r.Handle
		var b strings.Builder
		fmt.Fprintf(&b, "[Attachment %s (%s, %s) is too large to show inline. Handle: %s. %d rows; columns: %s.",
			r.Name(), r.MimeType, size, h.ID, h.RowCount, strings.Join(h.Columns, ", "))
		if len(h.Sample) > 0 {
			b.WriteString("\nSample rows:")
			for _, row := range h.Sample {
				b.WriteString("\n  ")
				b.WriteString(strings.Join(row, " | "))
			}
		}
		b.WriteString("\nUse the query_attachment tool with this handle to read more.]")
		return b.String()
	case ModeImage:
		return fmt.Sprintf("[Image %s (%s, %s)]", r.Name(), r.MimeType, size)
	case ModeError:
		return fmt.Sprintf("[Attachment %s could not be read: %s]", r.Name(), r.Err)
	default:
		return fmt.Sprintf("[Attachment %s (%s, %s) is not readable as text]", r.Name(), r.MimeType, size)
	}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithArtifacts enables artifact:// sources.
func WithArtifacts(store artifacts.Store) Option {
	return func(r *Resolver) { r.artifacts = store }
}

// WithHTTPClient overrides the client used for http(s) sources. The default
// client only connects to public addresses.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// Resolver fetches attachments and decides between inline content and a
// handle.
type Resolver struct {
	cfg       Config
	client    *http.Client
	artifacts artifacts.Store
	handles   *HandleStore
	logger    *slog.Logger
}

// NewResolver creates a resolver. Zero config fields take their defaults.
func NewResolver(cfg Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = def.InlineThreshold
	}
	if cfg.MaxFetchBytes == 0 {
		cfg.MaxFetchBytes = def.MaxFetchBytes
	}
	if cfg.HandleTTL <= 0 {
		cfg.HandleTTL = def.HandleTTL
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = def.SampleRows
	}
	r := &Resolver{
		cfg:     cfg,
		client:  publicHTTPClient(),
		handles: NewHandleStore(cfg.HandleTTL),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "attachments")
	return r
}

// Handles exposes the handle store.
func (r *Resolver) Handles() *HandleStore {
	return r.handles
}

// Resolve fetches one attachment. Handles are scoped to the conversation
// found in ctx.
func (r *Resolver) Resolve(ctx context.Context, att models.Attachment) (*Resolved, error) {
	p, err := r.fetch(ctx, att.URL)
	if err != nil {
		return nil, err
	}
	filename := att.Filename
	if filename == "" {
		filename = p.filename
	}
	declared := att.MimeType
	if declared == "" {
		declared = p.mimeType
	}
	mimeType := detectMIME(declared, filename, p.data)
	format := formatFor(mimeType)

	res := &Resolved{
		Attachment: att,
		MimeType:   mimeType,
		Size:       int64(len(p.data)),
	}
	if res.Attachment.Filename == "" {
		res.Attachment.Filename = filename
	}

	switch format {
	case FormatImage:
		res.Mode = ModeImage
		res.Data = p.data
		return res, nil
	case FormatBinary:
		res.Mode = ModeReference
		return res, nil
	}

	if res.Size <= r.cfg.InlineThreshold {
		res.Mode = ModeInline
		res.Text = string(p.data)
		return res, nil
	}

	table, err := parseTable(format, mimeType, p.data)
	if err != nil {
		// Unparseable structured data degrades to line-oriented text.
		r.logger.Debug("falling back to text handle", "filename", filename, "error", err)
		format = FormatText
		table = parseLines(p.data)
	}

	handle := &Handle{
		ID:             "att-" + uuid.NewString(),
		ConversationID: models.ConversationID(observability.ConversationFromContext(ctx)),
		Filename:       filename,
		MimeType:       mimeType,
		Format:         format,
		Size:           res.Size,
		Columns:        table.Columns,
		RowCount:       len(table.Rows),
		Sample:         table.Sample(r.cfg.SampleRows),
	}
	var raw []byte
	if format == FormatJSON {
		raw = p.data
	}
	r.handles.put(handle, table, raw)

	res.Mode = ModeHandle
	res.Handle = handle
	return res, nil
}

// ResolveAll resolves attachments in order. Failures become ModeError
// entries so the model still learns the attachment exists.
func (r *Resolver) ResolveAll(ctx context.Context, atts []models.Attachment) []*Resolved {
	out := make([]*Resolved, 0, len(atts))
	for _, att := range atts {
		res, err := r.Resolve(ctx, att)
		if err != nil {
			r.logger.Warn("attachment resolution failed",
				"attachment_id", att.ID,
				"filename", att.Filename,
				"error", err)
			res = &Resolved{Attachment: att, Mode: ModeError, Err: err.Error()}
		}
		out = append(out, res)
	}
	return out
}

// Query runs q against a handle owned by conversationID.
func (r *Resolver) Query(ctx context.Context, conversationID models.ConversationID, handleID string, q Query) (*QueryResult, error) {
	entry, err := r.handles.get(handleID, conversationID)
	if err != nil {
		return nil, err
	}
	if q.Path == "" {
		return entry.table.Query(q)
	}
	if entry.handle.Format != FormatJSON {
		return nil, fmt.Errorf("path queries need a json attachment, handle %s is %s", handleID, entry.handle.Format)
	}
	value := gjson.GetBytes(entry.raw, q.Path)
	if !value.Exists() {
		return &QueryResult{}, nil
	}
	result := &QueryResult{Matched: 1, Value: value.Raw}
	if int64(len(result.Value)) > r.cfg.InlineThreshold {
		result.Value = result.Value[:r.cfg.InlineThreshold]
		result.Truncated = true
	}
	return result, nil
}
