package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

type composeOptions struct {
	From       string
	To         string
	Subject    string
	Body       string // markdown
	InReplyTo  string
	References []string
	Files      []filePart
}

type filePart struct {
	Filename string
	MimeType string
	Data     io.Reader
}

// composeMessage builds a multipart message with text and HTML renderings
// of the markdown body plus any files. It returns the bytes and the
// generated Message-ID without angle brackets.
func composeMessage(now time.Time, opts composeOptions) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message-id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse from address %q: %w", opts.From, err)
	}
	to, err := mail.ParseAddress(opts.To)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse to address %q: %w", opts.To, err)
	}
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}

	html, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to render markdown: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create inline writer: %w", err)
	}
	if err := writeInline(tw, "text/plain; charset=utf-8", markdownToPlain(opts.Body)); err != nil {
		return nil, "", err
	}
	if err := writeInline(tw, "text/html; charset=utf-8", html); err != nil {
		return nil, "", err
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close inline writer: %w", err)
	}

	for _, f := range opts.Files {
		var ah mail.AttachmentHeader
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		ah.Set("Content-Type", mimeType)
		ah.SetFilename(f.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment %q: %w", f.Filename, err)
		}
		if _, err := io.Copy(aw, f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment %q: %w", f.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close attachment %q: %w", f.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close mail writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
` + buf.String() + `</body></html>`, nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips inline markdown while keeping line structure.
func markdownToPlain(md string) string {
	s := mdCodeBlock.ReplaceAllString(md, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
