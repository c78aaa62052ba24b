package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/metrics"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()

	ctx = peer.NewContext(ctx, &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Method"}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Panic"}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(ctx, "req", info, panicH)
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Ok"}

	h := func(ctx context.Context, req any) (any, error) { return 42, nil }

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if resp.(int) != 42 {
		t.Fatalf("resp mismatch: %v", resp)
	}
}

func TestLoggingUnary_LevelFollowsStatus(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	ic := LoggingUnary(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Redeem"}

	cases := []struct {
		err  error
		want zapcore.Level
	}{
		{nil, zapcore.InfoLevel},
		{status.Error(codes.InvalidArgument, "bad"), zapcore.InfoLevel},
		{status.Error(codes.Unauthenticated, "no token"), zapcore.WarnLevel},
		{status.Error(codes.ResourceExhausted, "locked"), zapcore.WarnLevel},
		{status.Error(codes.Internal, "db"), zapcore.ErrorLevel},
	}
	for _, c := range cases {
		_, _ = ic(context.Background(), "req", info, func(context.Context, any) (any, error) { return nil, c.err })
	}
	entries := logs.All()
	if len(entries) != len(cases) {
		t.Fatalf("want %d log lines, got %d", len(cases), len(entries))
	}
	for i, c := range cases {
		if entries[i].Level != c.want {
			t.Fatalf("case %d: level=%v, want %v", i, entries[i].Level, c.want)
		}
		if m := entries[i].ContextMap()["method"]; m != "Redeem" {
			t.Fatalf("case %d: method=%v", i, m)
		}
	}
}

func TestLoggingUnary_DurationFieldDoesNotBlock(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Sleep"}
	h := func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	resp, err := ic(ctx, "req", info, h)
	if err != nil || resp.(string) != "done" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time")
	}
}

func TestMetricsUnary_RecordsAndPassesThrough(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	ic := MetricsUnary(m)
	info := &grpc.UnaryServerInfo{FullMethod: "/blindticket.v1.Authority/Redeem"}

	wantErr := status.Error(codes.Unavailable, "down")
	_, err := ic(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) { return nil, wantErr })
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("want original status, got %v", err)
	}
	if n := testutil.CollectAndCount(m.Registry(), "test_rpc_duration_seconds"); n != 1 {
		t.Fatalf("want one histogram series, got %d", n)
	}

	// nil metrics must not panic
	if _, err := MetricsUnary(nil)(context.Background(), "req", info,
		func(ctx context.Context, req any) (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("nil metrics: %v", err)
	}
}
