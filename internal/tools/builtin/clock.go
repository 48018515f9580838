package builtin

import (
	"context"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone such as Europe/Berlin"`
}

func currentTime(loc *time.Location) tools.Definition {
	def := tools.Typed("current_time", "Get the current date and time.",
		func(_ context.Context, exec *tools.ExecContext, args currentTimeArgs) (*models.ToolCallResult, error) {
			zone := loc
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return errorResult("unknown timezone %q", args.Timezone), nil
				}
				zone = l
			}
			now := exec.Now.In(zone)
			return tools.TextResult("%s (%s)", now.Format("Monday, January 2, 2006 15:04:05 MST"), zone), nil
		})
	def.Independent = true
	return def
}
