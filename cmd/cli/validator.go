package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/model"
	"github.com/and161185/blindticket/internal/validator"
)

// device is one validator's local state: store, key cache and engine.
type device struct {
	store  *validator.Store
	keys   *keys.Cache
	engine *validator.Engine
}

func openDevice(cfg validator.Config, authority validator.Authority, log *zap.Logger) *device {
	store, err := validator.OpenStore(validatorPath())
	if err != nil {
		fail(fmt.Errorf("open validator store: %w", err))
	}
	d := &device{store: store, keys: keys.NewCache(nil)}
	d.engine = validator.NewEngine(cfg, d.keys, store, authority, log)
	if err := validator.NewRefresher(nil, store, d.keys, d.engine, log).LoadCached(); err != nil {
		fail(err)
	}
	return d
}

func (d *device) Close() {
	d.engine.Close()
	_ = d.store.Close()
}

// readFleetKey parses a base64 X25519 private key file and derives its public half.
func readFleetKey(path string) (pub, priv *[clientcrypto.FleetKeySize]byte, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("fleet key: %w", err)
	}
	if priv, err = clientcrypto.FleetKeyFromBytes(b); err != nil {
		return nil, nil, err
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	if pub, err = clientcrypto.FleetKeyFromBytes(p); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// scanInput turns one scanned text payload into the binary form the engine decodes. Undecodable
// input is passed through unchanged so the engine rejects it as InvalidFormat.
func scanInput(line string) []byte {
	line = strings.TrimSpace(line)
	b, err := base64.RawURLEncoding.DecodeString(line)
	if err != nil {
		return []byte(line)
	}
	return b
}

func remoteFor(c conn) (*validator.Remote, func(), error) {
	tf, err := loadToken()
	if err != nil {
		return nil, nil, err
	}
	cc, cli, err := c.dial(tf.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return validator.NewRemote(cli), func() { _ = cc.Close() }, nil
}

// cmdRefresh downloads issuer keys and the latest Bloom snapshot into the local store.
func cmdRefresh(parent context.Context, c conn, log *zap.Logger) {
	remote, closeConn, err := remoteFor(c)
	if err != nil {
		fail(err)
	}
	defer closeConn()
	d := openDevice(validator.Config{Mode: validator.ModeOffline}, nil, log)
	defer d.Close()

	ctx, cancel := withTimeout(parent)
	defer cancel()
	installed, err := validator.NewRefresher(remote, d.store, d.keys, d.engine, log).Refresh(ctx)
	if err != nil {
		fail(err)
	}
	snap, _ := d.engine.Snapshot()
	printJSON(map[string]any{
		"keys":              len(d.keys.All()),
		"snapshot_version":  snap.Version,
		"snapshot_entries":  snap.Count,
		"snapshot_new":      installed,
		"snapshot_valid_to": tsString(snap.ValidUntil),
	})
}

// cmdScan validates payloads given as arguments, or one per line from stdin.
func cmdScan(ctx context.Context, c conn, args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	modeFlag := fs.String("mode", validator.ModeHybrid.String(), "online | offline | hybrid")
	fleetFile := fs.String("fleet-key", "", "fleet private key file (base64)")
	timeout := fs.Duration("online-timeout", 2*time.Second, "authority round-trip bound")
	syncEvery := fs.Duration("sync-every", 0, "background reconciliation period (0 = off)")
	_ = fs.Parse(args)

	mode, err := validator.ParseMode(*modeFlag)
	if err != nil {
		fail(err)
	}
	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	cfg := validator.Config{ValidatorID: tf.ValidatorID, Mode: mode, OnlineTimeout: *timeout}
	if *fleetFile != "" {
		if cfg.FleetPublic, cfg.FleetPrivate, err = readFleetKey(*fleetFile); err != nil {
			fail(err)
		}
	}

	var remote *validator.Remote
	if mode != validator.ModeOffline || *syncEvery > 0 {
		r, closeConn, err := remoteFor(c)
		if err != nil {
			fail(err)
		}
		defer closeConn()
		remote = r
	}
	var authority validator.Authority
	if mode != validator.ModeOffline {
		authority = remote
	}

	d := openDevice(cfg, authority, log)
	defer d.Close()
	if err := d.engine.Restore(); err != nil {
		fail(err)
	}
	d.engine.OnTransition(func(from, to validator.State) {
		log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	})
	if d.engine.SnapshotStale(time.Now()) {
		fmt.Fprintln(os.Stderr, "warning: Bloom snapshot is stale; run bt refresh")
	}

	if *syncEvery > 0 {
		go func() {
			_ = validator.NewSyncer(d.store, remote, 0, log).Run(ctx, *syncEvery)
		}()
	}

	if fs.NArg() > 0 {
		for _, a := range fs.Args() {
			fmt.Println(d.engine.Scan(ctx, scanInput(a)))
		}
		return
	}
	if err := scanLines(ctx, os.Stdin, func(raw []byte) { fmt.Println(d.engine.Scan(ctx, raw)) }); err != nil {
		fail(err)
	}
}

func scanLines(ctx context.Context, r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fn(scanInput(line))
	}
	return sc.Err()
}

// cmdSync uploads unsynced offline acceptances.
func cmdSync(parent context.Context, c conn, args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	batch := fs.Int("batch", validator.DefaultSyncBatch, "records per upload")
	_ = fs.Parse(args)

	remote, closeConn, err := remoteFor(c)
	if err != nil {
		fail(err)
	}
	defer closeConn()
	store, err := validator.OpenStore(validatorPath())
	if err != nil {
		fail(err)
	}
	defer store.Close()

	ctx, cancel := withTimeout(parent)
	defer cancel()
	rep, err := validator.NewSyncer(store, remote, *batch, log).SyncOnce(ctx)
	printJSON(map[string]int{"confirmed": rep.Confirmed, "duplicates": rep.Duplicates, "errors": rep.Errors, "failed": rep.Failed})
	if err != nil {
		fail(err)
	}
}

type acceptanceRow struct {
	LocalID    string `json:"local_id"`
	TokenHash  string `json:"token_hash"`
	AcceptedAt string `json:"accepted_at"`
	State      string `json:"state"`
	Suspicious bool   `json:"suspicious,omitempty"`
	WinnerID   string `json:"canonical_validator,omitempty"`
	WinnerAt   string `json:"canonical_at,omitempty"`
	Attempts   int    `json:"sync_attempts,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func acceptanceRows(as []model.OfflineAcceptance) []acceptanceRow {
	rows := make([]acceptanceRow, 0, len(as))
	for _, a := range as {
		r := acceptanceRow{
			LocalID:    a.LocalID.String(),
			TokenHash:  a.TokenHash.String(),
			AcceptedAt: tsString(a.AcceptedAt),
			State:      string(a.SyncState),
			Suspicious: a.Suspicious,
			Attempts:   a.SyncAttempts,
			LastError:  a.LastError,
		}
		if a.Canonical != nil {
			r.WinnerID = a.Canonical.ValidatorID
			r.WinnerAt = tsString(a.Canonical.RedeemedAt)
		}
		rows = append(rows, r)
	}
	return rows
}

type conflictRow struct {
	TokenHash      string `json:"token_hash"`
	CanonicalBy    string `json:"canonical_validator"`
	CanonicalAt    string `json:"canonical_at"`
	DuplicateBy    string `json:"duplicate_validator"`
	DuplicateAt    string `json:"duplicate_at"`
	DuplicateLocal string `json:"duplicate_local_id"`
	DetectedAt     string `json:"detected_at"`
}

func conflictRows(cs []model.Conflict) []conflictRow {
	rows := make([]conflictRow, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, conflictRow{
			TokenHash:      c.TokenHash.String(),
			CanonicalBy:    c.CanonicalValidatorID,
			CanonicalAt:    tsString(c.CanonicalRedeemedAt),
			DuplicateBy:    c.DuplicateValidatorID,
			DuplicateAt:    tsString(c.DuplicateRedeemedAt),
			DuplicateLocal: c.DuplicateAcceptanceID.String(),
			DetectedAt:     tsString(c.DetectedAt),
		})
	}
	return rows
}

// cmdReview lists local acceptances that lost a reconciliation race or could not be synced,
// and optionally the authority's conflict audit trail.
func cmdReview(parent context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	all := fs.Bool("all", false, "list every local acceptance, not only duplicates and failures")
	fromRemote := fs.Bool("remote", false, "list the authority's conflict audit trail")
	since := fs.Duration("since", 24*time.Hour, "remote conflicts newer than this")
	limit := fs.Int("limit", 100, "max remote conflicts")
	_ = fs.Parse(args)

	if *fromRemote {
		remote, closeConn, err := remoteFor(c)
		if err != nil {
			fail(err)
		}
		defer closeConn()
		ctx, cancel := withTimeout(parent)
		defer cancel()
		conflicts, err := remote.Conflicts(ctx, time.Now().Add(-*since), *limit)
		if err != nil {
			fail(err)
		}
		printJSON(conflictRows(conflicts))
		return
	}

	store, err := validator.OpenStore(validatorPath())
	if err != nil {
		fail(err)
	}
	defer store.Close()
	states := []model.SyncState{model.SyncDuplicateDetected, model.SyncFailed}
	if *all {
		states = []model.SyncState{""}
	}
	var as []model.OfflineAcceptance
	for _, st := range states {
		got, err := store.List(st)
		if err != nil {
			fail(err)
		}
		as = append(as, got...)
	}
	printJSON(acceptanceRows(as))
}
