package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/convert"
	"github.com/and161185/blindticket/internal/errs"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/service"
)

type fakeIssuer struct {
	lastIP  string
	lastReq service.SignRequest
	err     error
}

func (f *fakeIssuer) SignWithIP(_ context.Context, req service.SignRequest, ip string) ([]byte, error) {
	f.lastIP, f.lastReq = ip, req
	if f.err != nil {
		return nil, f.err
	}
	return []byte("sig"), nil
}
func (f *fakeIssuer) PublicKeys(context.Context) []keys.Info { return nil }

type fakeRedemption struct {
	last model.Redemption
	err  error
}

func (f *fakeRedemption) Redeem(_ context.Context, r model.Redemption) (model.RedemptionResult, error) {
	f.last = r
	if f.err != nil {
		return model.RedemptionResult{}, f.err
	}
	return model.RedemptionResult{Accepted: false, Reason: model.ReasonAlreadySpent}, nil
}

type fakeReconcile struct {
	validator string
	err       error
}

func (f *fakeReconcile) Sync(_ context.Context, validatorID string, batch []model.SyncItem) ([]model.SyncResult, error) {
	f.validator = validatorID
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.SyncResult, 0, len(batch))
	for _, it := range batch {
		out = append(out, model.SyncResult{LocalID: it.LocalID, Status: model.SyncConfirmed})
	}
	return out, nil
}
func (f *fakeReconcile) Conflicts(context.Context, time.Time, int) ([]model.Conflict, error) {
	return []model.Conflict{{TokenHash: model.TokenHash{1}, CanonicalValidatorID: "b", DuplicateValidatorID: "a"}}, nil
}

type fakeBloom struct {
	snap model.BloomSnapshot
	ok   bool
}

func (f *fakeBloom) Current() (model.BloomSnapshot, bool) { return f.snap, f.ok }

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server, auth Authenticator) (api.AuthorityClient, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	log := zaptest.NewLogger(t)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(auth)))
	api.RegisterAuthorityServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return api.NewAuthorityClient(cc), stop
}

func withBearer(tok string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func TestServer_E2E_BasicFlow(t *testing.T) {
	t.Parallel()

	auth := service.NewValidatorAuth([]byte("test-secret"), time.Hour)
	iss := &fakeIssuer{}
	red := &fakeRedemption{}
	rec := &fakeReconcile{}
	bl := &fakeBloom{ok: true, snap: model.BloomSnapshot{Version: 4, Bits: []byte{1, 2}, FalsePositiveRate: 0.01}}
	srv := New(Deps{Issuer: iss, Redemption: red, Reconciliation: rec, Bloom: bl, FleetPublicKey: []byte("fleet")})

	cl, stop := startBufGRPC(t, srv, auth)
	defer stop()

	sres, err := cl.SignBlinded(context.Background(), &api.SignBlindedRequest{BlindedValue: []byte{7}, PaymentRef: "p", KeyID: "k"})
	if err != nil || string(sres.BlindSignature) != "sig" {
		t.Fatalf("sign: %v %+v", err, sres)
	}
	if iss.lastReq.PaymentRef != "p" || iss.lastIP == "" {
		t.Fatalf("issuer got %+v ip=%q", iss.lastReq, iss.lastIP)
	}

	pk, err := cl.PublicKeys(context.Background(), &api.PublicKeysRequest{})
	if err != nil || string(pk.FleetPublicKey) != "fleet" {
		t.Fatalf("public keys: %v", err)
	}

	tok, _, err := auth.IssueToken("gate-1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := withBearer(tok)

	acc := uuid.Must(uuid.NewV4())
	rres, err := cl.Redeem(ctx, convert.ToWireRedeem(model.Redemption{
		TokenHash: model.TokenHash{9}, KeyID: "k", Signature: []byte{1}, AcceptanceID: acc, ValidatorID: "spoofed",
	}))
	if err != nil || rres.Accepted || rres.Reason != string(model.ReasonAlreadySpent) {
		t.Fatalf("redeem: %v %+v", err, rres)
	}
	if red.last.ValidatorID != "gate-1" || red.last.AcceptanceID != acc {
		t.Fatalf("validator id must come from the token: %+v", red.last)
	}

	items := []model.SyncItem{{TokenHash: model.TokenHash{3}, RedeemedAt: time.Now().UTC(), LocalID: uuid.Must(uuid.NewV4())}}
	sy, err := cl.SyncOffline(ctx, &api.SyncOfflineRequest{Batch: convert.ToWireSyncItems(items)})
	if err != nil || len(sy.Results) != 1 || sy.Results[0].Status != string(model.SyncConfirmed) {
		t.Fatalf("sync: %v %+v", err, sy)
	}
	if rec.validator != "gate-1" {
		t.Fatalf("sync validator: %q", rec.validator)
	}

	bs, err := cl.BloomSnapshot(ctx, &api.BloomSnapshotRequest{})
	if err != nil || bs.Version != 4 || len(bs.Bits) != 2 {
		t.Fatalf("bloom: %v %+v", err, bs)
	}
	bs, err = cl.BloomSnapshot(ctx, &api.BloomSnapshotRequest{KnownVersion: 4})
	if err != nil || !bs.NotModified || len(bs.Bits) != 0 {
		t.Fatalf("bloom not-modified: %v %+v", err, bs)
	}

	lc, err := cl.ListConflicts(ctx, &api.ListConflictsRequest{})
	if err != nil || len(lc.Conflicts) != 1 {
		t.Fatalf("conflicts: %v", err)
	}
}

func TestServer_E2E_Errors(t *testing.T) {
	t.Parallel()

	auth := service.NewValidatorAuth([]byte("k"), time.Hour)
	iss := &fakeIssuer{err: errs.ErrAlreadyUsedPaymentRef}
	red := &fakeRedemption{err: errs.ErrNetwork}
	rec := &fakeReconcile{err: errs.ErrInvalidInput}
	srv := New(Deps{Issuer: iss, Redemption: red, Reconciliation: rec, Bloom: &fakeBloom{}})

	cl, stop := startBufGRPC(t, srv, auth)
	defer stop()

	if _, err := cl.SignBlinded(context.Background(), &api.SignBlindedRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	_, err := cl.SignBlinded(context.Background(), &api.SignBlindedRequest{BlindedValue: []byte{1}, PaymentRef: "p", KeyID: "k"})
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("want AlreadyExists, got %v", err)
	}

	if _, err := cl.Redeem(context.Background(), &api.RedeemRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}

	tok, _, _ := auth.IssueToken("gate-1")
	ctx := withBearer(tok)
	if _, err := cl.Redeem(ctx, &api.RedeemRequest{TokenHash: []byte{1}}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument on short hash, got %v", err)
	}
	h := model.TokenHash{5}
	if _, err := cl.Redeem(ctx, &api.RedeemRequest{TokenHash: h[:]}); status.Code(err) != codes.Unavailable {
		t.Fatalf("want Unavailable on ledger failure, got %v", err)
	}
	if _, err := cl.SyncOffline(ctx, &api.SyncOfflineRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	if _, err := cl.BloomSnapshot(ctx, &api.BloomSnapshotRequest{}); status.Code(err) != codes.Unavailable {
		t.Fatalf("want Unavailable without snapshot, got %v", err)
	}
}
