package tester

import (
	"context"
	"log/slog"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/registry"
)

// Parameter keys for the quota tester.
const (
	ParamOwner = "owner"
	ParamQueue = "queue"
)

// QuotaTester clears when the system, user, queue and user-queue limits all
// have room. The count it returns is the smallest remaining slack.
type QuotaTester struct {
	registry registry.Lookup
	jobs     JobCounter
	log      *slog.Logger

	validated bool
}

type quotaLimit struct {
	name  string
	limit int
	count func(ctx context.Context) (int, error)
}

// CanUnblock implements Tester.
func (t *QuotaTester) CanUnblock(ctx context.Context, params map[string]string) (int, error) {
	if !t.validated {
		if err := required(params, ParamTenantID, ParamSystemID); err != nil {
			return 0, err
		}
		if t.registry == nil || t.jobs == nil {
			return 0, core.Abortf("quota tester is missing its registry or job counter")
		}
		t.validated = true
	}

	tenant, systemID := params[ParamTenantID], params[ParamSystemID]
	owner, queue := params[ParamOwner], params[ParamQueue]

	sys, err := t.registry.GetSystem(ctx, tenant, systemID)
	if err != nil {
		return 0, lookupError(t.log, "system", systemID, err)
	}

	limits := []quotaLimit{{
		name:  "system",
		limit: sys.MaxJobs,
		count: func(ctx context.Context) (int, error) { return t.jobs.CountActiveSystemJobs(ctx, tenant, systemID) },
	}}
	if owner != "" {
		limits = append(limits, quotaLimit{
			name:  "user",
			limit: sys.MaxJobsPerUser,
			count: func(ctx context.Context) (int, error) {
				return t.jobs.CountActiveUserJobs(ctx, tenant, systemID, owner)
			},
		})
	}
	if queue != "" {
		q := sys.Queue(queue)
		if q == nil {
			return 0, core.Abortf("queue %q no longer exists on system %q", queue, systemID)
		}
		limits = append(limits, quotaLimit{
			name:  "queue",
			limit: q.MaxJobs,
			count: func(ctx context.Context) (int, error) {
				return t.jobs.CountActiveQueueJobs(ctx, tenant, systemID, queue)
			},
		})
		if owner != "" {
			limits = append(limits, quotaLimit{
				name:  "user_queue",
				limit: q.MaxJobsPerUser,
				count: func(ctx context.Context) (int, error) {
					return t.jobs.CountActiveUserQueueJobs(ctx, tenant, systemID, owner, queue)
				},
			})
		}
	}

	slack := ResubmitBatchSize
	for _, l := range limits {
		if registry.IsUnlimited(l.limit) {
			continue
		}
		n, err := l.count(ctx)
		if err != nil {
			t.log.Warn("active job count failed, quota still blocked", "limit", l.name, "system_id", systemID, "error", err)
			return 0, nil
		}
		if n >= l.limit {
			return 0, nil
		}
		slack = min(slack, l.limit-n)
	}
	return slack, nil
}
