package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type addNoteArgs struct {
	Text string `json:"text" jsonschema:"description=The note to save,minLength=1"`
}

type listNotesArgs struct {
	Contains string `json:"contains,omitempty" jsonschema:"description=Only return notes containing this text"`
}

type deleteNotesArgs struct{}

func notesTools(store storage.NoteStore) []tools.Definition {
	add := tools.Typed("add_note", "Save a note for this conversation.",
		func(ctx context.Context, exec *tools.ExecContext, args addNoteArgs) (*models.ToolCallResult, error) {
			text := strings.TrimSpace(args.Text)
			if text == "" {
				return errorResult("text must not be empty"), nil
			}
			note := &models.Note{
				ID:             uuid.NewString(),
				ConversationID: exec.ConversationID,
				Text:           text,
				CreatedAt:      exec.Now,
			}
			if err := store.AddNote(ctx, note); err != nil {
				return storeFailure("add note", err)
			}
			return tools.TextResult("Saved note %s.", note.ID), nil
		})

	list := tools.Typed("list_notes", "List the notes saved in this conversation.",
		func(ctx context.Context, exec *tools.ExecContext, args listNotesArgs) (*models.ToolCallResult, error) {
			notes, err := store.ListNotes(ctx, exec.ConversationID)
			if err != nil {
				return storeFailure("list notes", err)
			}
			var b strings.Builder
			count := 0
			for _, n := range notes {
				if args.Contains != "" && !strings.Contains(strings.ToLower(n.Text), strings.ToLower(args.Contains)) {
					continue
				}
				count++
				fmt.Fprintf(&b, "- [%s] %s\n", n.CreatedAt.Format("2006-01-02 15:04"), n.Text)
			}
			if count == 0 {
				return tools.TextResult("No notes found."), nil
			}
			return tools.TextResult("%d note(s):\n%s", count, strings.TrimRight(b.String(), "\n")), nil
		})
	list.Independent = true

	del := tools.Typed("delete_all_notes", "Delete every note in this conversation. Requires user confirmation.",
		func(ctx context.Context, exec *tools.ExecContext, _ deleteNotesArgs) (*models.ToolCallResult, error) {
			n, err := store.DeleteNotes(ctx, exec.ConversationID)
			if err != nil {
				return storeFailure("delete notes", err)
			}
			return tools.TextResult("Deleted %d note(s).", n), nil
		})
	del.RequiresConfirmation = true
	del.Summarize = func(json.RawMessage) string { return "Delete all notes in this conversation" }

	return []tools.Definition{add, list, del}
}
