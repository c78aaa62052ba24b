// Package clientcrypto contains holder-side primitives: wallet key wrapping, entry AEAD,
// and sealing of per-ticket master secrets to the validator fleet key.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/and161185/blindticket/internal/model"
)

// Params
const (
	DEKLen  = 32
	KEKLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// FleetKeySize is the size of an X25519 fleet key.
const FleetKeySize = 32

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a KEK from the wallet passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// WrapDEK encrypts the wallet DEK with KEK using XChaCha20-Poly1305 and random nonce.
func WrapDEK(kek, dek []byte) ([]byte, error) {
	return seal(kek, dek, nil)
}

// UnwrapDEK decrypts wrapped DEK using KEK.
func UnwrapDEK(kek, wrapped []byte) ([]byte, error) {
	return open(kek, wrapped, nil)
}

// DeriveEntryKey derives a per-entry key via HKDF-SHA256 using the entry name as info.
func DeriveEntryKey(dek, entry []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, nil, entry)
	key := make([]byte, DEKLen)
	_, err := r.Read(key)
	return key, err
}

// SealEntry encrypts a wallet entry with AAD = walletID||entry.
func SealEntry(key, walletID, entry, plaintext []byte) ([]byte, error) {
	return seal(key, plaintext, entryAAD(walletID, entry))
}

// OpenEntry decrypts a wallet entry sealed with SealEntry.
func OpenEntry(key, walletID, entry, blob []byte) ([]byte, error) {
	return open(key, blob, entryAAD(walletID, entry))
}

// GenerateFleetKey creates the X25519 key pair validators use to open sealed master secrets.
func GenerateFleetKey() (pub, priv *[FleetKeySize]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// SealSecret encrypts a master secret to the fleet public key. Only validators can open it.
func SealSecret(fleetPub *[FleetKeySize]byte, sm model.MasterSecret) ([]byte, error) {
	return box.SealAnonymous(nil, sm[:], fleetPub, rand.Reader)
}

// OpenSecret recovers a master secret sealed with SealSecret.
func OpenSecret(fleetPub, fleetPriv *[FleetKeySize]byte, sealed []byte) (model.MasterSecret, error) {
	var sm model.MasterSecret
	out, ok := box.OpenAnonymous(nil, sealed, fleetPub, fleetPriv)
	if !ok || len(out) != len(sm) {
		return sm, errors.New("open sealed secret")
	}
	copy(sm[:], out)
	return sm, nil
}

// FleetKeyFromBytes copies a raw 32-byte key.
func FleetKeyFromBytes(b []byte) (*[FleetKeySize]byte, error) {
	if len(b) != FleetKeySize {
		return nil, errors.New("fleet key must be 32 bytes")
	}
	var k [FleetKeySize]byte
	copy(k[:], b)
	return &k, nil
}

func entryAAD(walletID, entry []byte) []byte {
	aad := make([]byte, 0, len(walletID)+len(entry)+1)
	aad = append(aad, walletID...)
	aad = append(aad, 0)
	aad = append(aad, entry...)
	return aad
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

func open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
