package core

// wallet.go loads signing key material from disk for a node acting as a
// transaction or block producer. Keys are flat Ed25519 private keys (no
// HD derivation): a 32-byte raw seed file, a raw 64-byte key, or a hex
// string of either, with an optional "0x" prefix, optionally itself encrypted with
// a passphrase via XChaCha20-Poly1305 (see security.go Encrypt/Decrypt).

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadPrivateKeyFile reads a private key from path. Accepted formats:
//   - exactly 32 raw bytes (the ed25519 seed)
//   - exactly 64 raw bytes that are not valid hex (the full private key)
//   - a hex string (optionally "0x"-prefixed) encoding either the 32-byte
//     seed or the full 64-byte seed+public-key private key
func LoadPrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newErrf(ErrInternal, err, "wallet: read key file %s", path)
	}
	return ParsePrivateKey(raw)
}

// ParsePrivateKey decodes key material in any of the accepted wallet
// formats into an ed25519.PrivateKey.
func ParsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	// Raw lengths are checked untrimmed: a raw seed may begin or end with a
	// whitespace byte.
	if len(raw) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(raw), nil
	}

	// Hex is tried before the raw 64-byte form, since an unprefixed
	// 64-character hex seed is also 64 bytes long.
	text := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	decoded, err := hex.DecodeString(text)
	if err != nil {
		if len(raw) == ed25519.PrivateKeySize {
			return ed25519.PrivateKey(raw), nil
		}
		return nil, newErrf(ErrInternal, err, "wallet: key file is neither raw bytes nor hex")
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, newErrf(ErrInternal, nil, "wallet: decoded key has unexpected length %d", len(decoded))
	}
}

// LoadEncryptedPrivateKeyFile reads a key file produced by
// SaveEncryptedPrivateKeyFile: the XChaCha20-Poly1305 ciphertext of the raw
// 32-byte seed, keyed by sha256(passphrase).
func LoadEncryptedPrivateKeyFile(path, passphrase string) (ed25519.PrivateKey, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, newErrf(ErrInternal, err, "wallet: read encrypted key file %s", path)
	}
	key := sha256.Sum256([]byte(passphrase))
	seed, err := Decrypt(key[:], blob, nil)
	if err != nil {
		return nil, newErrf(ErrInternal, err, "wallet: decrypt key file %s", path)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, newErrf(ErrInternal, nil, "wallet: decrypted seed has unexpected length %d", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SaveEncryptedPrivateKeyFile encrypts priv's seed with passphrase and
// writes it to path.
func SaveEncryptedPrivateKeyFile(path string, priv ed25519.PrivateKey, passphrase string) error {
	if len(priv) != ed25519.PrivateKeySize {
		return newErrf(ErrInternal, nil, "wallet: private key has unexpected length %d", len(priv))
	}
	key := sha256.Sum256([]byte(passphrase))
	blob, err := Encrypt(key[:], priv.Seed(), nil)
	if err != nil {
		return newErrf(ErrInternal, err, "wallet: encrypt key for %s", path)
	}
	return os.WriteFile(path, blob, 0o600)
}

// PublicKeyHex hex-encodes pub for display or text transport; wallet
// records themselves carry the raw key bytes.
func PublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// ParsePublicKeyHex is the inverse of PublicKeyHex.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	text := strings.TrimPrefix(s, "0x")
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return nil, newErrf(ErrInternal, err, "wallet: decode public key hex")
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, newErrf(ErrInternal, nil, "wallet: public key has unexpected length %d", len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// SignTransaction signs tx's canonical serialized form with priv, returning
// the raw 64-byte Ed25519 signature expected in SignedTx.Signatures.
func SignTransaction(priv ed25519.PrivateKey, tx *Transaction) ([]byte, error) {
	msg, err := Encode(tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: serialize tx for signing: %w", err)
	}
	return SignEd25519(priv, msg), nil
}
