package builtin

import (
	"context"
	"errors"

	"github.com/haasonsaas/parley/internal/attachments"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type queryAttachmentArgs struct {
	HandleID string `json:"handle_id" jsonschema:"description=Handle returned for a large attachment"`
	attachments.Query
}

func queryAttachment(resolver *attachments.Resolver) tools.Definition {
	def := tools.Typed("query_attachment",
		"Read rows from a large attachment handle. Filter with where, pick columns, page with offset and limit, or pass a JSON path for JSON attachments.",
		func(ctx context.Context, exec *tools.ExecContext, args queryAttachmentArgs) (*models.ToolCallResult, error) {
			result, err := resolver.Query(ctx, exec.ConversationID, args.HandleID, args.Query)
			if errors.Is(err, attachments.ErrHandleNotFound) {
				return errorResult("handle %s not found or expired; ask the user to resend the attachment", args.HandleID), nil
			}
			if err != nil {
				return errorResult("%v", err), nil
			}
			return tools.DataResult(result)
		})
	def.Independent = true
	return def
}
