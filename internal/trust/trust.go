// Package trust provisions the credentials a backup run needs before it can
// talk to the remote: the SSH private key, the remote host's known_hosts
// entry, or the HTTPS token file.
package trust

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/giterdone/internal/command"
	"github.com/schaermu/giterdone/internal/git"
)

// ErrDeclined is returned when the operator refuses to provide missing
// trust material.
var ErrDeclined = errors.New("operator declined to provide trust material")

// Provisioner manages the key and known_hosts files.
type Provisioner struct {
	fs             afero.Fs
	exec           command.Executor
	keyFile        string
	knownHostsFile string
	logger         *slog.Logger
}

// NewProvisioner creates a Provisioner for the given key and known_hosts paths.
func NewProvisioner(fs afero.Fs, exec command.Executor, keyFile, knownHostsFile string, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		fs:             fs,
		exec:           exec,
		keyFile:        keyFile,
		knownHostsFile: knownHostsFile,
		logger:         logger,
	}
}

// KeyFile returns the private key path.
func (p *Provisioner) KeyFile() string { return p.keyFile }

// HasPrivateKey reports whether a non-empty private key is in place.
func (p *Provisioner) HasPrivateKey() bool {
	info, err := p.fs.Stat(p.keyFile)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// WritePrivateKey stores contents as the private key, replacing any existing
// key. The key directory is created 0700 and the key itself 0600.
func (p *Provisioner) WritePrivateKey(contents string) (string, error) {
	contents = strings.TrimSpace(contents)
	if contents == "" {
		return "", errors.New("private key is empty")
	}
	if err := p.fs.MkdirAll(filepath.Dir(p.keyFile), 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	// ssh refuses keys without a final newline.
	if err := afero.WriteFile(p.fs, p.keyFile, []byte(contents+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := p.fs.Chmod(p.keyFile, 0o600); err != nil {
		return "", fmt.Errorf("failed to restrict private key permissions: %w", err)
	}
	p.logger.Info("private key written", "path", p.keyFile)
	return p.keyFile, nil
}

// IsKnownHost reports whether known_hosts already carries an entry for host.
// Hashed entries are not recognized.
func (p *Provisioner) IsKnownHost(host string) (bool, error) {
	data, err := afero.ReadFile(p.fs, p.knownHostsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read known_hosts: %w", err)
	}
	return containsHost(data, host), nil
}

func containsHost(data []byte, host string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if strings.HasPrefix(fields[0], "@") && len(fields) > 1 {
			fields = fields[1:]
		}
		for _, name := range strings.Split(fields[0], ",") {
			if name == host || strings.HasPrefix(name, "["+host+"]:") {
				return true
			}
		}
	}
	return false
}

// RegisterKnownHost fetches host's public keys with ssh-keyscan and appends
// them to known_hosts. It does nothing when the host is already present.
func (p *Provisioner) RegisterKnownHost(ctx context.Context, host string) error {
	known, err := p.IsKnownHost(host)
	if err != nil {
		return err
	}
	if known {
		p.logger.Debug("host already in known_hosts", "host", host)
		return nil
	}

	p.logger.Info("executing ssh-keyscan", "host", host)
	res, err := p.exec.Run(ctx, command.Command{Args: []string{"ssh-keyscan", host}})
	if err != nil {
		p.logger.Warn("ssh-keyscan failed", "host", host, "stderr", res.Diagnostic())
		return fmt.Errorf("ssh-keyscan %s: %w", host, err)
	}
	keys := strings.TrimSpace(res.Stdout)
	if keys == "" {
		return fmt.Errorf("ssh-keyscan returned no keys for %s", host)
	}
	p.logger.Info("ssh-keyscan successful", "host", host)

	if err := p.fs.MkdirAll(filepath.Dir(p.knownHostsFile), 0o700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := p.fs.OpenFile(p.knownHostsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	if _, err := f.WriteString(keys + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to known_hosts: %w", err)
	}
	return f.Close()
}

// Ensure verifies the trust material required by remote, asking prompter
// for anything missing. SSH needs a private key and a known_hosts entry for
// the remote host; HTTPS needs the token file.
func (p *Provisioner) Ensure(ctx context.Context, remote git.Remote, prompter Prompter) error {
	switch remote.Auth {
	case git.AuthHTTPS:
		if remote.HTTPSTokenFile == "" {
			// Public repository or a system credential helper.
			return nil
		}
		if _, err := p.fs.Stat(remote.HTTPSTokenFile); err != nil {
			return fmt.Errorf("HTTPS token file %s: %w", remote.HTTPSTokenFile, err)
		}
		return nil

	case git.AuthSSH:
		if err := p.ensureKey(prompter); err != nil {
			return err
		}
		return p.ensureHost(ctx, git.Host(remote.CloneURL()), prompter)

	default:
		return fmt.Errorf("unsupported auth method %q", remote.Auth)
	}
}

func (p *Provisioner) ensureKey(prompter Prompter) error {
	if p.HasPrivateKey() {
		return nil
	}
	p.logger.Warn("no private key found", "path", p.keyFile)

	contents, err := prompter.PrivateKey(p.keyFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(contents) == "" {
		return fmt.Errorf("%w: no private key provided", ErrDeclined)
	}
	_, err = p.WritePrivateKey(contents)
	return err
}

func (p *Provisioner) ensureHost(ctx context.Context, host string, prompter Prompter) error {
	if host == "" {
		return nil
	}
	known, err := p.IsKnownHost(host)
	if err != nil {
		return err
	}
	if known {
		return nil
	}

	ok, err := prompter.ConfirmHost(host)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: host %s not trusted", ErrDeclined, host)
	}
	return p.RegisterKnownHost(ctx, host)
}
