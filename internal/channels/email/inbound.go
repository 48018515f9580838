package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

// maxBodySize caps the text kept from one message.
const maxBodySize = 64 << 10

var errNoSender = errors.New("email: message has no sender")

var (
	htmlTag     = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	quoteHeader = regexp.MustCompile(`(?m)^On .+wrote:\s*$`)
)

type inbound struct {
	conversationID models.ConversationID
	sender         string
	subject        string
	messageID      string
	inReplyTo      string
	references     []string
	text           string
	html           string
	attachments    []models.Attachment
}

func (in *inbound) event() *models.InboundEvent {
	content := in.text
	if content == "" && in.html != "" {
		content = htmlToText(in.html)
	}
	content = stripQuoted(content)
	if content == "" && len(in.attachments) == 0 {
		content = in.subject
	}

	event := &models.InboundEvent{
		ConversationID:   in.conversationID,
		Content:          content,
		ReplyTo:          in.inReplyTo,
		Attachments:      in.attachments,
		ChannelMessageID: in.messageID,
		Sender:           in.sender,
		Origin:           models.OriginUser,
	}
	if requestID, approved, ok := channels.ParseConfirmAction(strings.TrimSpace(content)); ok {
		return channels.ConfirmationEvent(in.conversationID, requestID, approved, in.sender)
	}
	return event
}

// parse reads a raw message. Unknown charsets are tolerated; the text may be
// garbled but is still delivered.
func (a *Adapter) parse(ctx context.Context, r io.Reader) (*inbound, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 || from[0].Address == "" {
		return nil, errNoSender
	}
	addr := strings.ToLower(from[0].Address)
	in := &inbound{
		conversationID: models.NewConversationID(models.ChannelEmail, addr),
		sender:         from[0].Name,
	}
	if in.sender == "" {
		in.sender = addr
	}
	in.subject, _ = mr.Header.Subject()
	in.messageID, _ = mr.Header.MessageID()
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		in.inReplyTo = ids[0]
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		in.references = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "text/plain" && in.text == "":
				in.text = readText(part.Body)
			case contentType == "text/html" && in.html == "":
				in.html = readText(part.Body)
			}
		case *mail.AttachmentHeader:
			att, err := a.storeAttachment(ctx, h, part.Body)
			if err != nil {
				a.logger.Warn("dropping mail attachment", "message_id", in.messageID, "error", err)
				continue
			}
			if att != nil {
				in.attachments = append(in.attachments, *att)
			}
		}
	}
	return in, nil
}

func (a *Adapter) storeAttachment(ctx context.Context, h *mail.AttachmentHeader, body io.Reader) (*models.Attachment, error) {
	if a.cfg.Artifacts == nil {
		return nil, nil
	}
	filename, _ := h.Filename()
	mimeType, _, _ := h.ContentType()
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id := uuid.NewString()
	counter := &countingReader{r: body}
	ref, err := a.cfg.Artifacts.Put(ctx, id, counter, artifacts.PutOptions{
		MimeType: mimeType,
		Filename: filename,
		Metadata: map[string]string{"source": "email"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment %q: %w", filename, err)
	}
	return &models.Attachment{
		ID:       id,
		Type:     attachmentType(mimeType),
		URL:      ref,
		Filename: filename,
		MimeType: mimeType,
		Size:     counter.n,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readText(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil && len(body) == 0 {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}

func htmlToText(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</div>", "\n").Replace(s)
	s = html.UnescapeString(htmlTag.ReplaceAllString(s, ""))
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// stripQuoted removes the quoted history mail clients append to replies.
func stripQuoted(body string) string {
	if loc := quoteHeader.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func attachmentType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}
