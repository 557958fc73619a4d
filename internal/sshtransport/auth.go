package sshtransport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jpoppe/libglue/internal/target"
)

// CredentialSource supplies authentication material for one target.
// The engine treats it as opaque and never persists or logs its
// contents.
type CredentialSource interface {
	// Methods returns the SSH auth methods for this credential.
	Methods() ([]ssh.AuthMethod, error)
	// Name identifies the credential kind for logs.
	Name() string
}

// PasswordCredential authenticates with a password.
type PasswordCredential struct {
	secret string
}

// NewPasswordCredential wraps a password.
func NewPasswordCredential(secret string) PasswordCredential {
	return PasswordCredential{secret: secret}
}

// Methods implements CredentialSource.
func (c PasswordCredential) Methods() ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{ssh.Password(c.secret)}, nil
}

// Name implements CredentialSource.
func (c PasswordCredential) Name() string { return "password" }

// KeyFileCredential authenticates with a private key file.
type KeyFileCredential struct {
	Path string
}

// Methods implements CredentialSource.
func (c KeyFileCredential) Methods() ([]ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Name implements CredentialSource.
func (c KeyFileCredential) Name() string { return "keyfile" }

// AgentCredential authenticates through the running SSH agent.
type AgentCredential struct{}

// Methods implements CredentialSource.
func (c AgentCredential) Methods() ([]ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
}

// Name implements CredentialSource.
func (c AgentCredential) Name() string { return "agent" }

// ResolveCredentials picks the credential for one target: password if
// the inventory carries one, then identity file, then the agent.
// Resolution happens once at dispatch start; the result is immutable
// for the run.
func ResolveCredentials(t target.Target) CredentialSource {
	if t.Password != "" {
		return NewPasswordCredential(t.Password)
	}
	if t.IdentityFile != "" {
		return KeyFileCredential{Path: t.IdentityFile}
	}
	return AgentCredential{}
}
