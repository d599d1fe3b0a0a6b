package ssh

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/charmbracelet/keygen"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/termfolio/pkg/domain"
)

// EnsureHostKey loads the server's host-identity key from path, generating
// and persisting a fresh ed25519 key on first run.
func EnsureHostKey(log *slog.Logger, path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", path, err)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key %s: %w", path, err)
	}

	log.Info("generating host key", "path", path)
	if err := GenerateHostKey(path, false); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read generated host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated host key: %w", err)
	}
	return signer, nil
}

// GenerateHostKey writes a new ed25519 host key (and its .pub sibling) to
// path. An existing key is only replaced when force is set.
func GenerateHostKey(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return fmt.Errorf("host key %s already exists", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing host key: %w", err)
		}
		_ = os.Remove(path + ".pub")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat host key path: %w", err)
	}

	if err := domain.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	if _, err := keygen.New(path, keygen.WithKeyType(keygen.Ed25519), keygen.WithWrite()); err != nil {
		return fmt.Errorf("failed to generate host key: %w", err)
	}
	return nil
}
