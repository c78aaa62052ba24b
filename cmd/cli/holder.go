package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/blindticket/internal/holder"
	"github.com/and161185/blindticket/internal/keys"
	"github.com/and161185/blindticket/internal/payload"
	"github.com/and161185/blindticket/internal/proof"
)

const passphraseEnv = "BT_WALLET_PASSPHRASE"

func passphrase(v string) ([]byte, error) {
	if v == "" {
		v = os.Getenv(passphraseEnv)
	}
	if v == "" {
		return nil, fmt.Errorf("wallet passphrase required (-pass or %s)", passphraseEnv)
	}
	return []byte(v), nil
}

func openWallet(pass string) *holder.Wallet {
	p, err := passphrase(pass)
	if err != nil {
		fail(err)
	}
	w, err := holder.OpenWallet(walletPath(), p)
	if err != nil {
		fail(fmt.Errorf("open wallet: %w", err))
	}
	return w
}

type keyRow struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Lifetime   string `json:"lifetime"`
	ActiveFrom string `json:"active_from"`
	RetireAt   string `json:"retire_at,omitempty"`
	CanIssue   bool   `json:"can_issue"`
}

func keyRows(infos []keys.Info, now time.Time) []keyRow {
	rows := make([]keyRow, 0, len(infos))
	for _, k := range infos {
		rows = append(rows, keyRow{
			ID:         k.ID,
			Kind:       string(k.Kind),
			Lifetime:   k.Lifetime.String(),
			ActiveFrom: tsString(k.ActiveFrom),
			RetireAt:   tsString(k.RetireAt),
			CanIssue:   k.CanIssue(now),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

type ticketRow struct {
	ID       string `json:"id"`
	KeyID    string `json:"key_id"`
	Kind     string `json:"kind"`
	IssuedAt string `json:"issued_at"`
	Expiry   string `json:"expiry"`
	State    string `json:"state"`
}

func ticketRows(ts []holder.StoredTicket, now time.Time) []ticketRow {
	rows := make([]ticketRow, 0, len(ts))
	for _, t := range ts {
		state := "valid"
		switch {
		case now.Before(t.Token.IssuedAt):
			state = "not_yet_valid"
		case now.After(t.Token.Expiry):
			state = "expired"
		}
		rows = append(rows, ticketRow{
			ID:       t.ID,
			KeyID:    t.Token.KeyID,
			Kind:     string(t.Token.Kind),
			IssuedAt: tsString(t.Token.IssuedAt),
			Expiry:   tsString(t.Token.Expiry),
			State:    state,
		})
	}
	return rows
}

// cmdKeys prints the issuer keys a holder can buy against.
func cmdKeys(parent context.Context, c conn) {
	ctx, cancel := withTimeout(parent)
	defer cancel()
	cc, cli, err := c.dial("")
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	infos, fleet, err := holder.NewRemoteIssuer(cli).PublicKeys(ctx)
	if err != nil {
		fail(err)
	}
	if len(fleet) == 0 {
		fmt.Fprintln(os.Stderr, "note: authority publishes no fleet key; multi-use tickets unavailable")
	}
	printJSON(keyRows(infos, time.Now()))
}

// cmdBuy runs the blind purchase flow and stores the ticket in the wallet.
func cmdBuy(parent context.Context, c conn, args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("buy", flag.ExitOnError)
	keyID := fs.String("key", "", "issuer key id (product)")
	ref := fs.String("ref", "", "payment reference")
	receiptFile := fs.String("receipt", "", "payment receipt file ('-'=stdin)")
	validity := fs.Duration("validity", 0, "ticket validity (0 = key lifetime)")
	pass := fs.String("pass", "", "wallet passphrase")
	_ = fs.Parse(args)
	if *keyID == "" || *ref == "" {
		fmt.Fprintln(os.Stderr, "need -key and -ref")
		os.Exit(1)
	}

	var receipt []byte
	if *receiptFile != "" {
		var err error
		if receipt, err = readAll(*receiptFile); err != nil {
			fail(err)
		}
	}

	w := openWallet(*pass)
	defer w.Close()

	ctx, cancel := withTimeout(parent)
	defer cancel()
	cc, cli, err := c.dial("")
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	buyer := holder.NewBuyer(holder.NewRemoteIssuer(cli), holder.NewMinter(), log)
	t, err := buyer.Buy(ctx, holder.Order{KeyID: *keyID, PaymentRef: *ref, Receipt: receipt, Validity: *validity})
	if err != nil {
		fail(err)
	}
	id, err := w.Put(t)
	if err != nil {
		fail(fmt.Errorf("store ticket: %w", err))
	}
	printJSON(ticketRows([]holder.StoredTicket{{ID: id, Ticket: t}}, time.Now())[0])
}

// cmdWallet lists, removes or prunes stored tickets.
func cmdWallet(args []string) {
	sub := "list"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		sub, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("wallet "+sub, flag.ExitOnError)
	id := fs.String("id", "", "ticket id (rm)")
	pass := fs.String("pass", "", "wallet passphrase")
	_ = fs.Parse(args)

	w := openWallet(*pass)
	defer w.Close()

	switch sub {
	case "list":
		ts, err := w.List()
		if err != nil {
			fail(err)
		}
		printJSON(ticketRows(ts, time.Now()))
	case "rm":
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := w.Delete(*id); err != nil {
			fail(err)
		}
		fmt.Println("ok")
	case "prune":
		n, err := w.DiscardExpired(time.Now())
		if err != nil {
			fail(err)
		}
		fmt.Printf("discarded %d expired ticket(s)\n", n)
	default:
		usage()
	}
}

// cmdShow prints the text payload for a ticket. Multi-use tickets rotate their proof every
// interval; -watch keeps printing until interrupted.
func cmdShow(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := fs.String("id", "", "ticket id")
	watch := fs.Bool("watch", false, "keep printing the rotating payload")
	interval := fs.Duration("interval", proof.DefaultInterval, "proof rotation interval")
	pass := fs.String("pass", "", "wallet passphrase")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}

	w := openWallet(*pass)
	t, err := w.Get(*id)
	_ = w.Close()
	if err != nil {
		fail(err)
	}
	now := time.Now()
	if !t.Token.ValidAt(now) {
		fmt.Fprintln(os.Stderr, "warning: ticket is outside its validity window")
	}

	r := t.Rotator(*interval)
	if !*watch || r == nil {
		printPayload(t.Display(now, *interval))
		return
	}
	if err := r.Run(ctx, printPayload); err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func printPayload(p payload.Payload) {
	s, err := payload.EncodeText(p)
	if err != nil {
		fail(err)
	}
	fmt.Println(s)
}
