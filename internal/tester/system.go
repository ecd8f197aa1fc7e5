package tester

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/registry"
)

// Parameter keys for the application tester.
const (
	ParamAppID      = "appId"
	ParamAppVersion = "appVersion"
)

// SystemTester clears once the execution system is enabled and available.
type SystemTester struct {
	registry registry.Lookup
	log      *slog.Logger

	validated bool
}

// CanUnblock implements Tester.
func (t *SystemTester) CanUnblock(ctx context.Context, params map[string]string) (int, error) {
	if !t.validated {
		if err := required(params, ParamTenantID, ParamSystemID); err != nil {
			return 0, err
		}
		if t.registry == nil {
			return 0, core.Abortf("system tester has no registry")
		}
		t.validated = true
	}

	sys, err := t.registry.GetSystem(ctx, params[ParamTenantID], params[ParamSystemID])
	if err != nil {
		return 0, lookupError(t.log, "system", params[ParamSystemID], err)
	}
	if !sys.Enabled || !sys.Available {
		return 0, nil
	}
	return ResubmitBatchSize, nil
}

// AppTester clears once the application is enabled.
type AppTester struct {
	registry registry.Lookup
	log      *slog.Logger

	validated bool
}

// CanUnblock implements Tester.
func (t *AppTester) CanUnblock(ctx context.Context, params map[string]string) (int, error) {
	if !t.validated {
		if err := required(params, ParamTenantID, ParamAppID); err != nil {
			return 0, err
		}
		if t.registry == nil {
			return 0, core.Abortf("application tester has no registry")
		}
		t.validated = true
	}

	app, err := t.registry.GetApp(ctx, params[ParamTenantID], params[ParamAppID], params[ParamAppVersion])
	if err != nil {
		return 0, lookupError(t.log, "application", params[ParamAppID], err)
	}
	if !app.Enabled {
		return 0, nil
	}
	return ResubmitBatchSize, nil
}

// lookupError aborts on definitions that no longer exist and treats any
// other lookup failure as the condition still holding.
func lookupError(log *slog.Logger, kind, id string, err error) error {
	var rerr *core.RecoveryError
	if errors.As(err, &rerr) && rerr.Code == core.ErrCodeNotFound {
		return core.Abortf("%s %q no longer exists", kind, id)
	}
	log.Warn("registry lookup failed, condition still blocked", "kind", kind, "id", id, "error", err)
	return nil
}
