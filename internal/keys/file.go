package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/blindticket/internal/crypto/clientcrypto"
	"github.com/and161185/blindticket/internal/model"
)

// RingFile is the YAML layout of the issuer key ring.
//
//	fleet_public_key: <base64 X25519>
//	keys:
//	  - id: day-2026q4
//	    kind: multi
//	    pem: day.pem
//	    lifetime: 24h
//	    active_from: 2026-10-01T00:00:00Z
//	    retire_at: 2027-01-01T00:00:00Z
type RingFile struct {
	FleetPublicKey string     `yaml:"fleet_public_key"`
	Keys           []KeyEntry `yaml:"keys"`
}

// KeyEntry is one key in RingFile.
type KeyEntry struct {
	ID         string        `yaml:"id"`
	Kind       string        `yaml:"kind"`
	PEM        string        `yaml:"pem"`
	Lifetime   time.Duration `yaml:"lifetime"`
	ActiveFrom time.Time     `yaml:"active_from"`
	RetireAt   time.Time     `yaml:"retire_at"`
}

// LoadRing reads the YAML ring file; PEM paths are relative to the file.
// It returns the ring and the fleet public key (nil if not configured).
func LoadRing(path string) (*Ring, *[clientcrypto.FleetKeySize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var rf RingFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, nil, fmt.Errorf("parse key ring %s: %w", path, err)
	}
	if len(rf.Keys) == 0 {
		return nil, nil, errors.New("key ring has no keys")
	}

	ring := NewRing()
	base := filepath.Dir(path)
	for _, k := range rf.Keys {
		p := k.PEM
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		priv, err := ReadPrivateKey(p)
		if err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", k.ID, err)
		}
		info := Info{
			ID:         k.ID,
			Kind:       model.TicketKind(k.Kind),
			Lifetime:   k.Lifetime,
			ActiveFrom: k.ActiveFrom,
			RetireAt:   k.RetireAt,
		}
		if err := ring.Add(info, priv); err != nil {
			return nil, nil, err
		}
	}

	var fleet *[clientcrypto.FleetKeySize]byte
	if rf.FleetPublicKey != "" {
		b, err := base64.StdEncoding.DecodeString(rf.FleetPublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("fleet public key: %w", err)
		}
		if fleet, err = clientcrypto.FleetKeyFromBytes(b); err != nil {
			return nil, nil, err
		}
	}
	return ring, fleet, nil
}

// ReadPrivateKey parses a PKCS#1 or PKCS#8 RSA private key PEM file.
func ReadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("PKCS#8 key is not RSA")
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
}

// GeneratePrivateKeyPEM creates a fresh RSA key and returns it PEM encoded (PKCS#1).
func GeneratePrivateKeyPEM(bits int) ([]byte, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}), nil
}
