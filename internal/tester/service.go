package tester

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Parameter keys for the service health tester.
const (
	ParamServiceURL  = "serviceUrl"
	ParamServiceName = "serviceName"
)

// ServiceTester probes a dependent service. grpc:// URLs use the standard
// gRPC health protocol; http:// and https:// URLs expect a 2xx response.
type ServiceTester struct {
	client *http.Client
	log    *slog.Logger

	validated bool
	target    *url.URL
}

// CanUnblock implements Tester.
func (t *ServiceTester) CanUnblock(ctx context.Context, params map[string]string) (int, error) {
	if !t.validated {
		if err := required(params, ParamServiceURL); err != nil {
			return 0, err
		}
		u, err := url.Parse(params[ParamServiceURL])
		if err != nil || u.Host == "" {
			return 0, core.Abortf("tester parameter %s=%q is not a valid URL", ParamServiceURL, params[ParamServiceURL])
		}
		switch u.Scheme {
		case "grpc", "http", "https":
		default:
			return 0, core.Abortf("unsupported service scheme %q", u.Scheme)
		}
		t.target = u
		t.validated = true
	}

	timeout, err := timeoutParam(params)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var healthy bool
	if t.target.Scheme == "grpc" {
		healthy = t.checkGRPC(ctx, params[ParamServiceName])
	} else {
		healthy = t.checkHTTP(ctx)
	}
	if !healthy {
		return 0, nil
	}
	return ResubmitBatchSize, nil
}

func (t *ServiceTester) checkGRPC(ctx context.Context, service string) bool {
	conn, err := grpc.NewClient(t.target.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.log.Debug("grpc client setup failed", "target", t.target.Host, "error", err)
		return false
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.log.Debug("grpc health check failed", "target", t.target.Host, "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (t *ServiceTester) checkHTTP(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.target.String(), nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Debug("http health check failed", "url", redact(t.target), "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func redact(u *url.URL) string {
	s := u.Redacted()
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}
