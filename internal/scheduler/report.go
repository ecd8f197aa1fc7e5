package scheduler

import (
	"context"
	"log/slog"
)

// StatusReport returns a job that logs how many records and blocked jobs
// recovery is tracking.
func StatusReport(counts func() (records, jobs int), log *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		records, jobs := counts()
		log.InfoContext(ctx, "recovery status", "records", records, "blocked_jobs", jobs)
	}
}
