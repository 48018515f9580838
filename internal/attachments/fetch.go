package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/haasonsaas/parley/internal/artifacts"
)

// ErrTooLarge is returned when an attachment exceeds the fetch limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// ErrUnsupportedSource is returned for URL schemes the resolver cannot read.
var ErrUnsupportedSource = errors.New("unsupported attachment source")

type payload struct {
	data     []byte
	mimeType string
	filename string
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (*payload, error) {
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		return r.decodeDataURL(rawURL)
	case strings.HasPrefix(rawURL, artifacts.Scheme):
		return r.readArtifact(ctx, rawURL)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return r.download(ctx, rawURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, rawURL)
	}
}

func (r *Resolver) decodeDataURL(raw string) (*payload, error) {
	meta, body, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	mimeType := "text/plain"
	encoded := false
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i == 0 && part != "":
			mimeType = part
		case part == "base64":
			encoded = true
		}
	}

	var data []byte
	if encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("decode data url: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return nil, fmt.Errorf("decode data url: %w", err)
		}
		data = []byte(unescaped)
	}
	if r.cfg.MaxFetchBytes > 0 && int64(len(data)) > r.cfg.MaxFetchBytes {
		return nil, ErrTooLarge
	}
	return &payload{data: data, mimeType: mimeType}, nil
}

func (r *Resolver) readArtifact(ctx context.Context, ref string) (*payload, error) {
	if r.artifacts == nil {
		return nil, fmt.Errorf("%w: no artifact store configured", ErrUnsupportedSource)
	}
	id, ok := artifacts.ParseRef(ref)
	if !ok {
		return nil, fmt.Errorf("invalid artifact reference %q", ref)
	}
	rc, info, err := r.artifacts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	defer rc.Close()

	data, err := r.readLimited(rc)
	if err != nil {
		return nil, err
	}
	return &payload{data: data, mimeType: info.MimeType, filename: info.Filename}, nil
}

func (r *Resolver) download(ctx context.Context, rawURL string) (*payload, error) {
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	if r.cfg.MaxFetchBytes > 0 && resp.ContentLength > r.cfg.MaxFetchBytes {
		return nil, ErrTooLarge
	}
	data, err := r.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}
	return &payload{data: data, mimeType: resp.Header.Get("Content-Type")}, nil
}

func (r *Resolver) readLimited(rd io.Reader) ([]byte, error) {
	if r.cfg.MaxFetchBytes <= 0 {
		return io.ReadAll(rd)
	}
	data, err := io.ReadAll(io.LimitReader(rd, r.cfg.MaxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > r.cfg.MaxFetchBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
