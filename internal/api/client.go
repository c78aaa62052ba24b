package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/blindticket/internal/codec"
)

// AuthorityClient is the client side of the Authority service.
type AuthorityClient interface {
	SignBlinded(ctx context.Context, in *SignBlindedRequest, opts ...grpc.CallOption) (*SignBlindedResponse, error)
	PublicKeys(ctx context.Context, in *PublicKeysRequest, opts ...grpc.CallOption) (*PublicKeysResponse, error)
	Redeem(ctx context.Context, in *RedeemRequest, opts ...grpc.CallOption) (*RedeemResponse, error)
	SyncOffline(ctx context.Context, in *SyncOfflineRequest, opts ...grpc.CallOption) (*SyncOfflineResponse, error)
	BloomSnapshot(ctx context.Context, in *BloomSnapshotRequest, opts ...grpc.CallOption) (*BloomSnapshotResponse, error)
	ListConflicts(ctx context.Context, in *ListConflictsRequest, opts ...grpc.CallOption) (*ListConflictsResponse, error)
}

type authorityClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthorityClient wraps a connection. Every call is sent with the CBOR content-subtype.
func NewAuthorityClient(cc grpc.ClientConnInterface) AuthorityClient {
	return &authorityClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.Name)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authorityClient) SignBlinded(ctx context.Context, in *SignBlindedRequest, opts ...grpc.CallOption) (*SignBlindedResponse, error) {
	return invoke[SignBlindedResponse](ctx, c.cc, FullMethodSignBlinded, in, opts)
}

func (c *authorityClient) PublicKeys(ctx context.Context, in *PublicKeysRequest, opts ...grpc.CallOption) (*PublicKeysResponse, error) {
	return invoke[PublicKeysResponse](ctx, c.cc, FullMethodPublicKeys, in, opts)
}

func (c *authorityClient) Redeem(ctx context.Context, in *RedeemRequest, opts ...grpc.CallOption) (*RedeemResponse, error) {
	return invoke[RedeemResponse](ctx, c.cc, FullMethodRedeem, in, opts)
}

func (c *authorityClient) SyncOffline(ctx context.Context, in *SyncOfflineRequest, opts ...grpc.CallOption) (*SyncOfflineResponse, error) {
	return invoke[SyncOfflineResponse](ctx, c.cc, FullMethodSyncOffline, in, opts)
}

func (c *authorityClient) BloomSnapshot(ctx context.Context, in *BloomSnapshotRequest, opts ...grpc.CallOption) (*BloomSnapshotResponse, error) {
	return invoke[BloomSnapshotResponse](ctx, c.cc, FullMethodBloomSnapshot, in, opts)
}

func (c *authorityClient) ListConflicts(ctx context.Context, in *ListConflictsRequest, opts ...grpc.CallOption) (*ListConflictsResponse, error) {
	return invoke[ListConflictsResponse](ctx, c.cc, FullMethodListConflicts, in, opts)
}
