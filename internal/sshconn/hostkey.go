package sshconn

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// HostKeyMismatchError is returned when the remote host key does not match
// the pinned fingerprint. This may indicate a rebuilt host or a MITM.
type HostKeyMismatchError struct {
	Target   string
	Expected string
	Actual   string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s", e.Target, e.Expected, e.Actual)
}

// Fingerprint returns the SHA256 fingerprint of a public key in
// authorized_keys format, as "SHA256:xxx".
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// pinnedHostKey returns a host key callback enforcing the expected SHA256
// fingerprint. An empty expectation accepts any key (trust on first use);
// the observed fingerprint is stored on the transport either way so callers
// can pin it for subsequent connections.
func pinnedHostKey(target, expected string, observed *string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		*observed = actual
		if expected != "" && expected != actual {
			return &HostKeyMismatchError{Target: target, Expected: expected, Actual: actual}
		}
		return nil
	}
}
