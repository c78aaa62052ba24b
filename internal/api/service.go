package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/codec"
)

func init() {
	encoding.RegisterCodec(codec.GRPC{})
}

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "blindticket.v1.Authority"

// Full method names.
const (
	FullMethodSignBlinded   = "/" + ServiceName + "/SignBlinded"
	FullMethodPublicKeys    = "/" + ServiceName + "/PublicKeys"
	FullMethodRedeem        = "/" + ServiceName + "/Redeem"
	FullMethodSyncOffline   = "/" + ServiceName + "/SyncOffline"
	FullMethodBloomSnapshot = "/" + ServiceName + "/BloomSnapshot"
	FullMethodListConflicts = "/" + ServiceName + "/ListConflicts"
)

// AuthorityServer is implemented by the authority.
type AuthorityServer interface {
	SignBlinded(context.Context, *SignBlindedRequest) (*SignBlindedResponse, error)
	PublicKeys(context.Context, *PublicKeysRequest) (*PublicKeysResponse, error)
	Redeem(context.Context, *RedeemRequest) (*RedeemResponse, error)
	SyncOffline(context.Context, *SyncOfflineRequest) (*SyncOfflineResponse, error)
	BloomSnapshot(context.Context, *BloomSnapshotRequest) (*BloomSnapshotResponse, error)
	ListConflicts(context.Context, *ListConflictsRequest) (*ListConflictsResponse, error)
}

// UnimplementedAuthorityServer can be embedded for forward compatibility.
type UnimplementedAuthorityServer struct{}

func (UnimplementedAuthorityServer) SignBlinded(context.Context, *SignBlindedRequest) (*SignBlindedResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SignBlinded not implemented")
}
func (UnimplementedAuthorityServer) PublicKeys(context.Context, *PublicKeysRequest) (*PublicKeysResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PublicKeys not implemented")
}
func (UnimplementedAuthorityServer) Redeem(context.Context, *RedeemRequest) (*RedeemResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Redeem not implemented")
}
func (UnimplementedAuthorityServer) SyncOffline(context.Context, *SyncOfflineRequest) (*SyncOfflineResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SyncOffline not implemented")
}
func (UnimplementedAuthorityServer) BloomSnapshot(context.Context, *BloomSnapshotRequest) (*BloomSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method BloomSnapshot not implemented")
}
func (UnimplementedAuthorityServer) ListConflicts(context.Context, *ListConflictsRequest) (*ListConflictsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListConflicts not implemented")
}

// RegisterAuthorityServer registers srv on s.
func RegisterAuthorityServer(s grpc.ServiceRegistrar, srv AuthorityServer) {
	s.RegisterService(&AuthorityServiceDesc, srv)
}

// unary builds a MethodDesc handler for one request type.
func unary[Req any](fullMethod string, call func(AuthorityServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthorityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthorityServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AuthorityServiceDesc describes the Authority service.
var AuthorityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignBlinded", Handler: unary(FullMethodSignBlinded,
			func(s AuthorityServer, ctx context.Context, in *SignBlindedRequest) (any, error) {
				return s.SignBlinded(ctx, in)
			})},
		{MethodName: "PublicKeys", Handler: unary(FullMethodPublicKeys,
			func(s AuthorityServer, ctx context.Context, in *PublicKeysRequest) (any, error) {
				return s.PublicKeys(ctx, in)
			})},
		{MethodName: "Redeem", Handler: unary(FullMethodRedeem,
			func(s AuthorityServer, ctx context.Context, in *RedeemRequest) (any, error) { return s.Redeem(ctx, in) })},
		{MethodName: "SyncOffline", Handler: unary(FullMethodSyncOffline,
			func(s AuthorityServer, ctx context.Context, in *SyncOfflineRequest) (any, error) {
				return s.SyncOffline(ctx, in)
			})},
		{MethodName: "BloomSnapshot", Handler: unary(FullMethodBloomSnapshot,
			func(s AuthorityServer, ctx context.Context, in *BloomSnapshotRequest) (any, error) {
				return s.BloomSnapshot(ctx, in)
			})},
		{MethodName: "ListConflicts", Handler: unary(FullMethodListConflicts,
			func(s AuthorityServer, ctx context.Context, in *ListConflictsRequest) (any, error) {
				return s.ListConflicts(ctx, in)
			})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blindticket/v1/authority",
}
