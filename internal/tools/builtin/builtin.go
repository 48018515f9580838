// Package builtin provides the tools parley registers by default.
package builtin

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/haasonsaas/parley/internal/attachments"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// Deps are the collaborators builtin tools need. Tools whose dependency is
// nil are skipped.
type Deps struct {
	Notes       storage.NoteStore
	Reminders   storage.ReminderStore
	Attachments *attachments.Resolver
	// Location is used to interpret wall-clock times; defaults to UTC.
	Location *time.Location
}

// Definitions returns every builtin tool available with deps.
func Definitions(deps Deps) []tools.Definition {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	defs := []tools.Definition{currentTime(loc)}
	if deps.Notes != nil {
		defs = append(defs, notesTools(deps.Notes)...)
	}
	if deps.Reminders != nil {
		defs = append(defs, reminderTools(deps.Reminders, loc)...)
	}
	if deps.Attachments != nil {
		defs = append(defs, queryAttachment(deps.Attachments))
	}
	return defs
}

// Register adds every builtin tool not named in disabled.
func Register(reg *tools.Registry, deps Deps, disabled []string) error {
	for _, def := range Definitions(deps) {
		if slices.Contains(disabled, def.Name) {
			continue
		}
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// storeFailure turns a storage error into a tool outcome: missing records
// are reported to the model, anything else ends the turn.
func storeFailure(action string, err error) (*models.ToolCallResult, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("%s: not found", action), nil
	}
	return nil, tools.Fatal(fmt.Errorf("%s: %w", action, err))
}

func errorResult(format string, args ...any) *models.ToolCallResult {
	r := tools.TextResult(format, args...)
	r.IsError = true
	return r
}
