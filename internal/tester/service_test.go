package tester

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

func newServiceTester(t *testing.T) Tester {
	t.Helper()
	tst, err := NewRegistry(Deps{}).New(core.TesterServiceHealth)
	require.NoError(t, err)
	return tst
}

func TestServiceTesterHTTP(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	ctx := context.Background()
	tst := newServiceTester(t)
	params := map[string]string{ParamServiceURL: srv.URL + "/health", ParamTimeoutMillis: "2000"}

	n, err := tst.CanUnblock(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	status = http.StatusOK
	n, err = tst.CanUnblock(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, ResubmitBatchSize, n)
}

func TestServiceTesterUnreachableStaysBlocked(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	n, err := newServiceTester(t).CanUnblock(context.Background(),
		map[string]string{ParamServiceURL: "http://" + addr, ParamTimeoutMillis: "500"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestServiceTesterMalformedParameters(t *testing.T) {
	ctx := context.Background()
	for _, params := range []map[string]string{
		{},
		{ParamServiceURL: "not a url"},
		{ParamServiceURL: "ftp://files.example.com"},
		{ParamServiceURL: "http://svc.example.com", ParamTimeoutMillis: "soon"},
	} {
		_, err := newServiceTester(t).CanUnblock(ctx, params)
		assert.True(t, errors.Is(err, core.ErrAbort), "params %v", params)
	}
}

func TestServiceTesterGRPC(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("jobs", healthpb.HealthCheckResponse_NOT_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(ln) }()
	defer gs.Stop()

	ctx := context.Background()
	tst := newServiceTester(t)
	params := map[string]string{
		ParamServiceURL:    "grpc://" + ln.Addr().String(),
		ParamServiceName:   "jobs",
		ParamTimeoutMillis: "2000",
	}

	n, err := tst.CanUnblock(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hs.SetServingStatus("jobs", healthpb.HealthCheckResponse_SERVING)
	n, err = tst.CanUnblock(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, ResubmitBatchSize, n)
}
