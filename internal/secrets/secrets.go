// Package secrets resolves SSH credentials from an external secure store.
//
// The transport layer never embeds key material: a CredentialSource is asked
// for a signer at connect time, and the returned signer is handed straight to
// the SSH handshake. Implementations read and parse key material per call so
// raw secret bytes do not outlive the connect.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CredentialSource resolves a credential reference to an SSH signer.
// On mobile, the GUI layer backs this with the platform keychain; the
// file-based implementation below is used for development and tests.
type CredentialSource interface {
	Signer(ctx context.Context, keyRef string) (ssh.Signer, error)
}

// FileSource loads private keys from PEM files under Dir. The key reference
// is the file name (path separators are rejected). Key bytes are read and
// parsed on every call and never cached.
type FileSource struct {
	Dir string
}

// Signer reads and parses the private key identified by keyRef.
func (fs *FileSource) Signer(ctx context.Context, keyRef string) (ssh.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keyRef == "" {
		return nil, fmt.Errorf("empty key reference")
	}
	if strings.ContainsAny(keyRef, `/\`) || keyRef != filepath.Base(keyRef) {
		return nil, fmt.Errorf("key reference %q must be a bare file name", keyRef)
	}

	path := filepath.Join(fs.Dir, keyRef)
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyRef, err)
	}
	return signer, nil
}

// StaticSource returns a fixed signer for every reference. Used by tests and
// by callers that already hold a parsed signer.
type StaticSource struct {
	S ssh.Signer
}

func (s *StaticSource) Signer(ctx context.Context, keyRef string) (ssh.Signer, error) {
	if s.S == nil {
		return nil, fmt.Errorf("no signer configured")
	}
	return s.S, nil
}
