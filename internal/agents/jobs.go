package agents

import (
	"context"

	"github.com/sitedoc/sitedoc/internal/dispatcher"
	"github.com/sitedoc/sitedoc/internal/pipeline"
)

// RegisterJobs binds the agent runs to their dispatcher job names.
func RegisterJobs(d *dispatcher.Dispatcher, runner *Runner, pm *PMAgent) {
	d.Register(pipeline.JobDevRun, func(ctx context.Context, args map[string]interface{}) error {
		return runner.RunDev(ctx, argString(args, "issue_id"), argString(args, "reason"))
	})
	d.Register(pipeline.JobQARun, func(ctx context.Context, args map[string]interface{}) error {
		return runner.RunQA(ctx, argString(args, "issue_id"), argString(args, "reason"))
	})
	d.Register(pipeline.JobTechLeadRun, func(ctx context.Context, args map[string]interface{}) error {
		return runner.RunTechLead(ctx, argString(args, "issue_id"), argString(args, "reason"))
	})
	d.Register(pipeline.JobPMRun, func(ctx context.Context, args map[string]interface{}) error {
		return pm.HandleMessage(ctx, argString(args, "issue_id"), argString(args, "message"))
	})
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
