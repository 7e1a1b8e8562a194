package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/giterdone/internal/discovery"
	"github.com/schaermu/giterdone/internal/git"
	"github.com/schaermu/giterdone/internal/schedule"
)

// DefaultCommitTemplate is used when commit.message_template is empty.
const DefaultCommitTemplate = "Automated backup on {{.Timestamp}}"

// Config represents the complete giterdone configuration
type Config struct {
	Repo     RepoConfig   `yaml:"repo"`
	Auth     AuthConfig   `yaml:"auth"`
	Backup   BackupConfig `yaml:"backup"`
	Paths    PathsConfig  `yaml:"paths"`
	Schedule string       `yaml:"schedule,omitempty"`
	Commit   CommitConfig `yaml:"commit"`
}

// RepoConfig configures the backup repository
type RepoConfig struct {
	URL             string `yaml:"url"`
	PrimaryBranch   string `yaml:"primary_branch,omitempty"`
	SecondaryBranch string `yaml:"secondary_branch,omitempty"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	Method         git.AuthMethod `yaml:"method"`
	SSHKeyFile     string         `yaml:"ssh_key_file,omitempty"`
	KnownHostsFile string         `yaml:"known_hosts_file,omitempty"`
	HTTPSTokenFile string         `yaml:"https_token_file,omitempty"`
}

// BackupConfig selects what gets backed up.
type BackupConfig struct {
	Roots []string `yaml:"roots"`
	// MaxFileSize is in bytes. Zero selects the default, negative disables
	// the size check.
	MaxFileSize  int64    `yaml:"max_file_size,omitempty"`
	JunkNames    []string `yaml:"junk_names,omitempty"`
	JunkSuffixes []string `yaml:"junk_suffixes,omitempty"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// CommitConfig configures commit messages. MessageTemplate is a
// text/template with .Timestamp, .Time and .Hostname; strftime conversions
// such as %Y-%m-%d %H:%M:%S in the rendered text are expanded as well.
type CommitConfig struct {
	MessageTemplate string `yaml:"message_template,omitempty"`
}

// DefaultDir returns the directory holding the configuration and state.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "giterdone")
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultLogPath returns the durable log location used before a
// configuration has been loaded.
func DefaultLogPath() string {
	return filepath.Join(DefaultDir(), "giterdone.log")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration as YAML readable only by the owner.
func (c *Config) Save(fs afero.Fs, path string) error {
	path = expandPath(path)

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return fs.Chmod(path, 0o600)
}

// Normalize expands environment variables and "~" in string fields and
// fills in defaults.
func (c *Config) Normalize() {
	c.expandEnv()
	c.applyDefaults()
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Auth.SSHKeyFile = expandPath(c.Auth.SSHKeyFile)
	c.Auth.KnownHostsFile = expandPath(c.Auth.KnownHostsFile)
	c.Auth.HTTPSTokenFile = expandPath(c.Auth.HTTPSTokenFile)
	c.Paths.StateDir = expandPath(c.Paths.StateDir)
	c.Paths.LogFile = expandPath(c.Paths.LogFile)
	for i, root := range c.Backup.Roots {
		c.Backup.Roots[i] = expandPath(root)
	}
}

// expandPath expands environment variables and a leading "~".
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.PrimaryBranch == "" {
		c.Repo.PrimaryBranch = "main"
	}
	if c.Repo.SecondaryBranch == "" {
		c.Repo.SecondaryBranch = "alternate"
	}
	if c.Auth.Method == "" {
		c.Auth.Method = git.AuthSSH
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = DefaultDir()
	}
	if c.Paths.LogFile == "" {
		c.Paths.LogFile = filepath.Join(c.Paths.StateDir, "giterdone.log")
	}
	if c.Auth.Method == git.AuthSSH {
		if c.Auth.SSHKeyFile == "" {
			c.Auth.SSHKeyFile = filepath.Join(c.Paths.StateDir, "ssh", "id_giterdone")
		}
		if c.Auth.KnownHostsFile == "" {
			c.Auth.KnownHostsFile = filepath.Join(c.Paths.StateDir, "ssh", "known_hosts")
		}
	}
	if c.Backup.MaxFileSize == 0 {
		c.Backup.MaxFileSize = discovery.DefaultMaxFileSize
	}
	defaults := discovery.DefaultOptions()
	if c.Backup.JunkNames == nil {
		c.Backup.JunkNames = defaults.JunkNames
	}
	if c.Backup.JunkSuffixes == nil {
		c.Backup.JunkSuffixes = defaults.JunkSuffixes
	}
	if c.Commit.MessageTemplate == "" {
		c.Commit.MessageTemplate = DefaultCommitTemplate
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return errors.New("repo.url is required")
	}
	if c.Repo.PrimaryBranch == "" || c.Repo.SecondaryBranch == "" {
		return errors.New("repo.primary_branch and repo.secondary_branch are required")
	}
	if c.Repo.PrimaryBranch == c.Repo.SecondaryBranch {
		return fmt.Errorf("repo.secondary_branch must differ from repo.primary_branch (%s)", c.Repo.PrimaryBranch)
	}

	switch c.Auth.Method {
	case git.AuthSSH:
		if c.Auth.HTTPSTokenFile != "" {
			return errors.New("auth.https_token_file is set but auth.method is ssh")
		}
	case git.AuthHTTPS:
		if !c.IsHTTPS() {
			return errors.New("auth.method is https but repo.url does not use HTTPS scheme")
		}
	default:
		return fmt.Errorf("invalid auth.method: %s (must be ssh or https)", c.Auth.Method)
	}

	if len(c.Backup.Roots) == 0 {
		return errors.New("backup.roots must list at least one path")
	}
	for _, root := range c.Backup.Roots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("backup.roots entries must be absolute paths: %s", root)
		}
	}

	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Schedule != "" {
		if _, err := schedule.Normalize(c.Schedule); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	if _, err := template.New("commit").Parse(c.Commit.MessageTemplate); err != nil {
		return fmt.Errorf("commit.message_template: %w", err)
	}

	return nil
}

// WorkingCopyDir returns where the backup repository is cloned
func (c *Config) WorkingCopyDir() string {
	return filepath.Join(c.Paths.StateDir, git.RepoName(c.Repo.URL))
}

// LockPath returns the path of the run lock file.
func (c *Config) LockPath() string {
	return c.WorkingCopyDir() + ".lock"
}

// LastRunPath returns where the report of the last run is stored.
func (c *Config) LastRunPath() string {
	return filepath.Join(c.Paths.StateDir, "last-run.json")
}

// Remote returns the git remote description.
func (c *Config) Remote() git.Remote {
	return git.Remote{
		URL:            c.Repo.URL,
		Auth:           c.Auth.Method,
		SSHKeyFile:     c.Auth.SSHKeyFile,
		KnownHostsFile: c.Auth.KnownHostsFile,
		HTTPSTokenFile: c.Auth.HTTPSTokenFile,
	}
}

// RepositoryOptions returns the options for git.NewRepository.
func (c *Config) RepositoryOptions() git.Options {
	return git.Options{
		Remote:          c.Remote(),
		Dir:             c.WorkingCopyDir(),
		PrimaryBranch:   c.Repo.PrimaryBranch,
		SecondaryBranch: c.Repo.SecondaryBranch,
	}
}

// DiscoveryOptions returns the file filters for discovery.
func (c *Config) DiscoveryOptions() discovery.Options {
	opts := discovery.DefaultOptions()
	opts.MaxFileSize = c.Backup.MaxFileSize
	if opts.MaxFileSize < 0 {
		opts.MaxFileSize = 0
	}
	opts.JunkNames = c.Backup.JunkNames
	opts.JunkSuffixes = c.Backup.JunkSuffixes
	return opts
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}
