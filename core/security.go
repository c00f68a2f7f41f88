// SPDX-License-Identifier: Apache-2.0
// Package core – cryptographic primitives backing wallet signing and
// node-to-node transport.
//
// Exposes:
//   - SignEd25519 / VerifyEd25519 – wallet transaction signing.
//   - Encrypt / Decrypt            – XChaCha20-Poly1305 for at-rest key files.
//   - NewTLSConfig / NewZeroTrustTLSConfig – hardened TLS 1.3 for node RPC.
//   - AuditTrail                   – append-only, hash-chained event log.
package core

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

//---------------------------------------------------------------------
// Sign / Verify – Ed25519
//---------------------------------------------------------------------

// SignEd25519 signs msg with priv, which must be a 64-byte ed25519 seed+key.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 reports whether sig is a valid signature over msg by pub.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig)
}

//---------------------------------------------------------------------
// Encryption – XChaCha20-Poly1305, used for passphrase-protected key files
//---------------------------------------------------------------------

// Encrypt returns nonce || ciphertext || tag using XChaCha20-Poly1305.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

//---------------------------------------------------------------------
// TLS config loader (TLS 1.3) – node-to-node RPC transport
//---------------------------------------------------------------------

// NewTLSConfig loads a cert/key pair into a TLS 1.3-only config.
func NewTLSConfig(certPath, keyPath string, requireClientCert bool) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:       tls.VersionTLS13,
		Certificates:     []tls.Certificate{cert},
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	if requireClientCert {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(certPEM) {
			return nil, errors.New("failed to append client cert to pool")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// CertFingerprint returns the SHA-256 fingerprint of a PEM encoded certificate.
func CertFingerprint(certPath string) ([]byte, error) {
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	fp := make([]byte, len(sum))
	copy(fp, sum[:])
	return fp, nil
}

// NewZeroTrustTLSConfig builds a TLS 1.3 config with certificate pinning and
// optional mutual TLS, used by beacon/relay nodes that peer over an
// untrusted network.
func NewZeroTrustTLSConfig(certPath, keyPath, caPath string, pinnedFingerprint []byte) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{cert},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to load CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(pinnedFingerprint) > 0 {
		fp := make([]byte, len(pinnedFingerprint))
		copy(fp, pinnedFingerprint)
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate provided")
			}
			hash := sha256.Sum256(rawCerts[0])
			if subtle.ConstantTimeCompare(hash[:], fp) != 1 {
				return fmt.Errorf("unexpected peer certificate fingerprint")
			}
			return nil
		}
	}
	return cfg, nil
}

//---------------------------------------------------------------------
// Audit trail – append-only, hash-chained log of chain/consensus events
//---------------------------------------------------------------------

// AuditEvent is a single immutable audit log entry. PrevHash chains entries
// together so the log as a whole can be checked for tampering by replaying
// the hash chain, without needing a ledger anchor.
type AuditEvent struct {
	Timestamp int64             `json:"ts"`
	Event     string            `json:"evt"`
	Meta      map[string]string `json:"meta,omitempty"`
	PrevHash  []byte            `json:"prevHash,omitempty"`
	Hash      []byte            `json:"hash"`
}

// AuditTrail manages a write-once, hash-chained audit log file.
type AuditTrail struct {
	mu       sync.Mutex
	file     *os.File
	lastHash []byte
}

// NewAuditTrail creates or opens an append-only log file.
func NewAuditTrail(path string) (*AuditTrail, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	at := &AuditTrail{file: f}
	if err := at.loadLastHash(); err != nil {
		f.Close()
		return nil, err
	}
	return at, nil
}

func (a *AuditTrail) loadLastHash() error {
	if _, err := a.file.Seek(0, 0); err != nil {
		return err
	}
	sc := bufio.NewScanner(a.file)
	var last AuditEvent
	found := false
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err == nil {
			last = ev
			found = true
		}
	}
	if found {
		a.lastHash = last.Hash
	}
	if _, err := a.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return sc.Err()
}

// Log appends an event, chaining it to the previous entry's hash.
func (a *AuditTrail) Log(event string, meta map[string]string) error {
	if a == nil || a.file == nil {
		return errors.New("audit trail not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := AuditEvent{Timestamp: time.Now().Unix(), Event: event, Meta: meta, PrevHash: a.lastHash}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h := sha256.Sum256(raw)
	ev.Hash = h[:]
	blob, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := a.file.Write(append(blob, '\n')); err != nil {
		return err
	}
	a.lastHash = ev.Hash
	return nil
}

// Report reads every audit entry from the log file.
func (a *AuditTrail) Report() ([]AuditEvent, error) {
	if a == nil || a.file == nil {
		return nil, errors.New("audit trail not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Seek(0, 0); err != nil {
		return nil, err
	}
	defer a.file.Seek(0, io.SeekEnd)

	var out []AuditEvent
	sc := bufio.NewScanner(a.file)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}

// Verify replays the hash chain and reports the first index whose hash
// does not match its recomputed value, or -1 if the log is intact.
func (a *AuditTrail) Verify() (int, error) {
	events, err := a.Report()
	if err != nil {
		return -1, err
	}
	var prev []byte
	for i, ev := range events {
		want := ev.Hash
		check := ev
		check.Hash = nil
		check.PrevHash = prev
		raw, err := json.Marshal(check)
		if err != nil {
			return -1, err
		}
		sum := sha256.Sum256(raw)
		if string(sum[:]) != string(want) {
			return i, nil
		}
		prev = want
	}
	return -1, nil
}

// Archive copies the current audit log to dest and writes a sha256 manifest
// alongside it. If dest is a directory, a timestamped file is created
// inside it. Returns the final path and hex-encoded SHA-256 checksum.
func (a *AuditTrail) Archive(dest string) (string, string, error) {
	if a == nil || a.file == nil {
		return "", "", errors.New("audit trail not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		return "", "", err
	}
	if _, err := a.file.Seek(0, 0); err != nil {
		return "", "", err
	}
	data, err := io.ReadAll(a.file)
	if _, serr := a.file.Seek(0, io.SeekEnd); serr != nil {
		return "", "", serr
	}
	if err != nil {
		return "", "", err
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, fmt.Sprintf("audit_%d.log", time.Now().Unix()))
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	checksum := fmt.Sprintf("%x", sum[:])
	manifest := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(dest))
	if err := os.WriteFile(dest+".sha256", []byte(manifest), 0o600); err != nil {
		return "", "", err
	}
	return dest, checksum, nil
}

// Close closes the underlying log file.
func (a *AuditTrail) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}
