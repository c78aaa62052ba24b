// Command bt is the holder and validator client for the ticket authority.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/and161185/blindticket/internal/api"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ValidatorID string    `json:"validator_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "blindticket")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "blindticket")
}

func tokenPath() string     { return filepath.Join(cfgDir(), "validator-token.json") }
func walletPath() string    { return filepath.Join(cfgDir(), "wallet") }
func validatorPath() string { return filepath.Join(cfgDir(), "validator") }

func saveToken(tf tokenFile) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid validator token (bt login required)")
	}
	return tf, nil
}

// parseToken reads subject and expiry without verifying the signature; the authority does that.
func parseToken(raw string) (tokenFile, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return tokenFile{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return tokenFile{}, errors.New("token has no validator subject")
	}
	exp := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return tokenFile{AccessToken: raw, ValidatorID: claims.Subject, ExpiresAt: exp}, nil
}

// ---- grpc dial ----

type bearerCreds struct{ token string }

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return true }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// conn holds what every networked subcommand needs to reach the authority.
type conn struct {
	addr     string
	caPath   string
	insecure bool
}

func (c conn) dial(bearer string) (*grpc.ClientConn, api.AuthorityClient, error) {
	creds, err := loadTLS(c.caPath, c.insecure)
	if err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer}))
	}
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewAuthorityClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func usage() {
	fmt.Fprintf(os.Stderr, `bt CLI
Usage:
  bt -addr HOST:PORT [-cacert file | -insecure] <cmd> [args]

Holder:
  keys                                         (list issuer keys)
  buy        -key <id> -ref <paymentRef> -receipt <file> [-validity 2h]
  wallet     [list | rm -id <id> | prune]
  show       -id <id> [-watch]

Validator:
  login      -token <jwt>                      (saves validator token)
  refresh                                      (keys + Bloom snapshot)
  scan       -fleet-key <file> [-mode online|offline|hybrid] [payload ...]
  sync       [-batch 500]
  review     [-remote -since 24h]

  version
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	c := conn{addr: *addr, caPath: *caPath, insecure: *insecure}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	switch cmd {
	case "version":
		fmt.Printf("bt %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		tok := fs.String("token", "", "validator bearer token")
		_ = fs.Parse(args)
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		tf, err := parseToken(*tok)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tf); err != nil {
			fail(err)
		}
		fmt.Printf("ok validator=%s expires=%s\n", tf.ValidatorID, tsString(tf.ExpiresAt))

	// holder
	case "keys":
		cmdKeys(ctx, c)
	case "buy":
		cmdBuy(ctx, c, args, logger)
	case "wallet":
		cmdWallet(args)
	case "show":
		cmdShow(ctx, args)

	// validator
	case "refresh":
		cmdRefresh(ctx, c, logger)
	case "scan":
		cmdScan(ctx, c, args, logger)
	case "sync":
		cmdSync(ctx, c, args, logger)
	case "review":
		cmdReview(ctx, c, args)

	default:
		usage()
	}
}

// ---- helpers ----

func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
