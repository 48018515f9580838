package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

func dataURL(mime, content string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
}

func bigCSV(rows int) string {
	var b strings.Builder
	b.WriteString("region,product,units\n")
	for i := 0; i < rows; i++ {
		region := "north"
		if i%2 == 1 {
			region = "south"
		}
		fmt.Fprintf(&b, "%s,widget-%d,%d\n", region, i, i*10)
	}
	return b.String()
}

func TestResolve_InlineVersusHandle(t *testing.T) {
	r := NewResolver(Config{InlineThreshold: 64, SampleRows: 2}, WithLogger(observability.DiscardLogger()))
	ctx := observability.WithConversation(context.Background(), "web:s1")

	tests := []struct {
		name     string
		att      models.Attachment
		wantMode Mode
		check    func(t *testing.T, res *Resolved)
	}{
		{
			name:     "small text inlined",
			att:      models.Attachment{URL: "data:,hello%20world", Filename: "note.txt"},
			wantMode: ModeInline,
			check: func(t *testing.T, res *Resolved) {
				if res.Text != "hello world" {
					t.Errorf("Text = %q", res.Text)
				}
			},
		},
		{
			name:     "large csv becomes handle",
			att:      models.Attachment{URL: dataURL("text/csv", bigCSV(20)), Filename: "sales.csv"},
			wantMode: ModeHandle,
			check: func(t *testing.T, res *Resolved) {
				h := res.Handle
				if h.RowCount != 20 || len(h.Columns) != 3 || len(h.Sample) != 2 {
					t.Errorf("handle = %+v", h)
				}
				if h.ConversationID != "web:s1" {
					t.Errorf("ConversationID = %q", h.ConversationID)
				}
				if !strings.Contains(res.Describe(), h.ID) {
					t.Errorf("Describe should mention the handle id: %s", res.Describe())
				}
			},
		},
		{
			name:     "large json array becomes handle",
			att:      models.Attachment{URL: dataURL("application/json", `[`+strings.Repeat(`{"a":1,"b":"x"},`, 10)+`{"a":2,"c":true}]`)},
			wantMode: ModeHandle,
			check: func(t *testing.T, res *Resolved) {
				if got := strings.Join(res.Handle.Columns, ","); got != "a,b,c" {
					t.Errorf("columns = %s", got)
				}
				if res.Handle.RowCount != 11 {
					t.Errorf("RowCount = %d", res.Handle.RowCount)
				}
			},
		},
		{
			name:     "image kept as bytes",
			att:      models.Attachment{URL: dataURL("image/png", "\x89PNG\r\n\x1a\nxxxx")},
			wantMode: ModeImage,
			check: func(t *testing.T, res *Resolved) {
				if len(res.Data) == 0 {
					t.Error("expected image data")
				}
			},
		},
		{
			name:     "binary is a reference",
			att:      models.Attachment{URL: dataURL("application/pdf", "%PDF-1.4"), Filename: "doc.pdf"},
			wantMode: ModeReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.att)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Mode != tt.wantMode {
				t.Fatalf("Mode = %s, want %s", res.Mode, tt.wantMode)
			}
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestResolve_ThresholdIsConfigurable(t *testing.T) {
	content := bigCSV(5)
	att := models.Attachment{URL: dataURL("text/csv", content)}

	small := NewResolver(Config{InlineThreshold: 10})
	res, err := small.Resolve(context.Background(), att)
	if err != nil || res.Mode != ModeHandle {
		t.Fatalf("small threshold: mode=%v err=%v", res, err)
	}

	large := NewResolver(Config{InlineThreshold: int64(len(content))})
	res, err = large.Resolve(context.Background(), att)
	if err != nil || res.Mode != ModeInline {
		t.Fatalf("threshold at size: mode=%v err=%v", res, err)
	}
}

func TestResolve_HTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.txt":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("remote text"))
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 200)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewResolver(Config{MaxFetchBytes: 100}, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	res, err := r.Resolve(ctx, models.Attachment{URL: srv.URL + "/ok.txt"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Text != "remote text" || res.MimeType != "text/plain" {
		t.Errorf("res = %+v", res)
	}

	if _, err := r.Resolve(ctx, models.Attachment{URL: srv.URL + "/big"}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("big error = %v, want ErrTooLarge", err)
	}
	if _, err := r.Resolve(ctx, models.Attachment{URL: srv.URL + "/missing"}); err == nil {
		t.Error("expected error for 404")
	}
	if _, err := r.Resolve(ctx, models.Attachment{URL: "ftp://example.com/x"}); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("ftp error = %v", err)
	}
}

func TestResolve_ArtifactSource(t *testing.T) {
	store, err := artifacts.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := store.Put(context.Background(), "a1", strings.NewReader("col\nv1\n"), artifacts.PutOptions{
		MimeType: "text/csv",
		Filename: "tiny.csv",
	})
	if err != nil {
		t.Fatal(err)
	}

	r := NewResolver(Config{}, WithArtifacts(store))
	res, err := r.Resolve(context.Background(), models.Attachment{URL: ref})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeInline || res.Attachment.Filename != "tiny.csv" || res.MimeType != "text/csv" {
		t.Errorf("res = %+v", res)
	}

	withoutStore := NewResolver(Config{})
	if _, err := withoutStore.Resolve(context.Background(), models.Attachment{URL: ref}); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("error = %v, want ErrUnsupportedSource", err)
	}
}

func TestResolveAll_KeepsFailuresInPlace(t *testing.T) {
	r := NewResolver(Config{}, WithLogger(observability.DiscardLogger()))
	out := r.ResolveAll(context.Background(), []models.Attachment{
		{URL: "data:,first"},
		{URL: "gopher://nope", Filename: "broken.bin"},
		{URL: "data:,third"},
	})
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Text != "first" || out[2].Text != "third" {
		t.Errorf("order not preserved: %q %q", out[0].Text, out[2].Text)
	}
	if out[1].Mode != ModeError || !strings.Contains(out[1].Describe(), "broken.bin") {
		t.Errorf("failure = %+v", out[1])
	}
}

func TestQuery(t *testing.T) {
	r := NewResolver(Config{InlineThreshold: 16})
	ctx := observability.WithConversation(context.Background(), "web:s1")
	res, err := r.Resolve(ctx, models.Attachment{URL: dataURL("text/csv", bigCSV(10))})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Handle.ID

	tests := []struct {
		name      string
		q         Query
		wantRows  int
		wantMatch int
		wantTrunc bool
		wantErr   bool
		first     []string
	}{
		{name: "all rows default limit", q: Query{}, wantRows: 10, wantMatch: 10},
		{name: "equality filter", q: Query{Where: []Condition{{Column: "region", Op: "eq", Value: "south"}}}, wantRows: 5, wantMatch: 5},
		{name: "numeric comparison", q: Query{Where: []Condition{{Column: "units", Op: "gte", Value: "70"}}}, wantRows: 3, wantMatch: 3},
		{name: "projection", q: Query{Columns: []string{"units"}, Limit: 1}, wantRows: 1, wantMatch: 10, wantTrunc: true, first: []string{"0"}},
		{name: "offset", q: Query{Offset: 8}, wantRows: 2, wantMatch: 10, first: []string{"north", "widget-8", "80"}},
		{name: "contains is case-insensitive", q: Query{Where: []Condition{{Column: "product", Op: "contains", Value: "WIDGET-1"}}}, wantRows: 1, wantMatch: 1},
		{name: "unknown column", q: Query{Columns: []string{"price"}}, wantErr: true},
		{name: "unknown operator", q: Query{Where: []Condition{{Column: "units", Op: "like", Value: "1"}}}, wantErr: true},
		{name: "path on csv", q: Query{Path: "0.a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Query(ctx, "web:s1", id, tt.q)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got.Rows) != tt.wantRows || got.Matched != tt.wantMatch || got.Truncated != tt.wantTrunc {
				t.Errorf("rows=%d matched=%d truncated=%v", len(got.Rows), got.Matched, got.Truncated)
			}
			if tt.first != nil && strings.Join(got.Rows[0], ",") != strings.Join(tt.first, ",") {
				t.Errorf("first row = %v, want %v", got.Rows[0], tt.first)
			}
		})
	}
}

func TestQuery_JSONPath(t *testing.T) {
	r := NewResolver(Config{InlineThreshold: 8})
	doc := `{"users":[{"name":"ana","age":31},{"name":"bo","age":22}]}`
	res, err := r.Resolve(context.Background(), models.Attachment{URL: dataURL("application/json", doc)})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Query(context.Background(), "", res.Handle.ID, Query{Path: "users.#.name"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got.Value != `["ana","bo"]` {
		t.Errorf("Value = %s", got.Value)
	}

	missing, err := r.Query(context.Background(), "", res.Handle.ID, Query{Path: "nope"})
	if err != nil || missing.Matched != 0 {
		t.Errorf("missing path = %+v, %v", missing, err)
	}
}

func TestHandleStore_ScopeAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	store := NewHandleStore(time.Minute)
	store.now = func() time.Time { return now }

	store.put(&Handle{ID: "h1", ConversationID: "web:a"}, &Table{}, nil)

	if _, err := store.get("h1", "web:b"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("cross-conversation get error = %v", err)
	}
	if _, err := store.get("h1", "web:a"); err != nil {
		t.Errorf("owner get: %v", err)
	}

	// Access refreshes the expiry.
	now = now.Add(50 * time.Second)
	if _, err := store.get("h1", "web:a"); err != nil {
		t.Errorf("refreshed get: %v", err)
	}
	now = now.Add(61 * time.Second)
	if _, err := store.get("h1", "web:a"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expired get error = %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d", store.Len())
	}
}

func TestParseTable_Formats(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		mime    string
		data    string
		columns string
		rows    int
		wantErr bool
	}{
		{name: "tsv", format: FormatCSV, mime: "text/tab-separated-values", data: "a\tb\n1\t2\n", columns: "a,b", rows: 1},
		{name: "ragged csv padded", format: FormatCSV, mime: "text/csv", data: "a,b,c\n1\n", columns: "a,b,c", rows: 1},
		{name: "empty csv", format: FormatCSV, mime: "text/csv", data: "", wantErr: true},
		{name: "json object", format: FormatJSON, data: `{"x":1,"y":"z"}`, columns: "key,value", rows: 2},
		{name: "json scalars", format: FormatJSON, data: `[1,2,3]`, columns: "value", rows: 3},
		{name: "invalid json", format: FormatJSON, data: `{`, wantErr: true},
		{name: "text lines", format: FormatText, data: "one\r\ntwo\n", columns: "line", rows: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := parseTable(tt.format, tt.mime, []byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTable: %v", err)
			}
			if got := strings.Join(table.Columns, ","); got != tt.columns {
				t.Errorf("columns = %s, want %s", got, tt.columns)
			}
			if len(table.Rows) != tt.rows {
				t.Errorf("rows = %d, want %d", len(table.Rows), tt.rows)
			}
		})
	}
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		declared, filename, data, want string
	}{
		{declared: "text/csv; charset=utf-8", want: "text/csv"},
		{declared: "application/octet-stream", filename: "x.json", want: "application/json"},
		{filename: "https://host/report.CSV?x=1", want: "text/csv"},
		{data: "plain words", want: "text/plain"},
		{want: "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := detectMIME(tt.declared, tt.filename, []byte(tt.data)); got != tt.want {
			t.Errorf("detectMIME(%q, %q) = %q, want %q", tt.declared, tt.filename, got, tt.want)
		}
	}
}
