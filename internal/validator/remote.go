package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/blindticket/internal/api"
	"github.com/and161185/blindticket/internal/convert"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
)

// Remote is the authority as seen by a validator. Every error is mapped through convert.FromStatus,
// so transport failures surface as errs.ErrNetwork.
type Remote struct {
	c api.AuthorityClient
}

var (
	_ Authority  = (*Remote)(nil)
	_ Reconciler = (*Remote)(nil)
	_ Source     = (*Remote)(nil)
)

// NewRemote wraps an authority client. Authentication is attached to the connection.
func NewRemote(c api.AuthorityClient) *Remote { return &Remote{c: c} }

// Redeem implements Authority.
func (r *Remote) Redeem(ctx context.Context, in model.Redemption) (model.RedemptionResult, error) {
	resp, err := r.c.Redeem(ctx, convert.ToWireRedeem(in))
	if err != nil {
		return model.RedemptionResult{}, convert.FromStatus(err)
	}
	return model.RedemptionResult{Accepted: resp.Accepted, Reason: model.RejectReason(resp.Reason)}, nil
}

// SyncOffline implements Reconciler.
func (r *Remote) SyncOffline(ctx context.Context, batch []model.SyncItem) ([]model.SyncResult, error) {
	resp, err := r.c.SyncOffline(ctx, &api.SyncOfflineRequest{Batch: convert.ToWireSyncItems(batch)})
	if err != nil {
		return nil, convert.FromStatus(err)
	}
	return convert.FromWireSyncResults(resp.Results)
}

// PublicKeys fetches the published issuer keys and the fleet sealing key.
func (r *Remote) PublicKeys(ctx context.Context) ([]keys.Info, []byte, error) {
	resp, err := r.c.PublicKeys(ctx, &api.PublicKeysRequest{})
	if err != nil {
		return nil, nil, convert.FromStatus(err)
	}
	infos, err := convert.FromWireKeys(resp.Keys)
	if err != nil {
		return nil, nil, err
	}
	return infos, resp.FleetPublicKey, nil
}

// Snapshot downloads the latest Bloom snapshot. modified is false when known is already current.
func (r *Remote) Snapshot(ctx context.Context, known uint64) (snap model.BloomSnapshot, modified bool, err error) {
	resp, err := r.c.BloomSnapshot(ctx, &api.BloomSnapshotRequest{KnownVersion: known})
	if err != nil {
		return model.BloomSnapshot{}, false, convert.FromStatus(err)
	}
	if resp.NotModified {
		return model.BloomSnapshot{}, false, nil
	}
	return convert.FromWireSnapshot(resp), true, nil
}

// Conflicts lists recorded double redemptions since the given time.
func (r *Remote) Conflicts(ctx context.Context, since time.Time, limit int) ([]model.Conflict, error) {
	resp, err := r.c.ListConflicts(ctx, &api.ListConflictsRequest{Since: since, Limit: limit})
	if err != nil {
		return nil, convert.FromStatus(err)
	}
	out, err := convert.FromWireConflicts(resp.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	return out, nil
}
