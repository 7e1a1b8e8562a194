package git

import (
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/giterdone/internal/command"
)

// AuthMethod selects how git authenticates against the remote.
type AuthMethod string

const (
	AuthSSH   AuthMethod = "ssh"
	AuthHTTPS AuthMethod = "https"
)

// Remote describes the backup repository and how to reach it.
type Remote struct {
	URL            string
	Auth           AuthMethod
	SSHKeyFile     string
	KnownHostsFile string
	HTTPSTokenFile string
}

// CloneURL returns the URL in the form used for cloning and for validating
// an existing working copy.
func (r Remote) CloneURL() string {
	if r.Auth == AuthSSH {
		return ToSSH(r.URL)
	}
	return r.URL
}

// ToSSH rewrites a GitHub HTTPS URL into its SSH form and drops a trailing
// ".git". Other URLs only lose the suffix.
func ToSSH(url string) string {
	url = strings.Replace(url, "https://github.com/", "git@github.com:", 1)
	return strings.TrimSuffix(url, ".git")
}

// RepoName derives the working copy directory name from a remote URL.
func RepoName(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	url = strings.TrimSuffix(url, ".git")
	if url == "" {
		return "giterdone-backup"
	}
	return url
}

// Host extracts the host name of a remote URL, for known_hosts handling.
func Host(url string) string {
	switch {
	case strings.Contains(url, "://"):
		rest := url[strings.Index(url, "://")+3:]
		if i := strings.Index(rest, "@"); i >= 0 && i < strings.IndexAny(rest+"/", "/") {
			rest = rest[i+1:]
		}
		if i := strings.IndexAny(rest, "/:"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	case strings.Contains(url, ":"):
		host := url[:strings.Index(url, ":")]
		if i := strings.Index(host, "@"); i >= 0 {
			host = host[i+1:]
		}
		return host
	default:
		return ""
	}
}

// configureAuth sets up authentication for a git command that talks to the
// remote.
func (r Remote) configureAuth(cmd *command.Command) error {
	switch r.Auth {
	case AuthSSH:
		if r.SSHKeyFile == "" && r.KnownHostsFile == "" {
			return nil
		}
		// Paths are shell-quoted to prevent injection via crafted filenames.
		sshCmd := "ssh"
		if r.SSHKeyFile != "" {
			sshCmd += " -i " + shellQuote(r.SSHKeyFile) + " -o IdentitiesOnly=yes"
		}
		if r.KnownHostsFile != "" {
			sshCmd += " -o UserKnownHostsFile=" + shellQuote(r.KnownHostsFile)
		}
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)

	case AuthHTTPS:
		if r.HTTPSTokenFile == "" {
			return nil
		}
		token, err := os.ReadFile(r.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment and a credential
		// helper so it never lands in the remote URL or .git/config.
		cmd.Env = append(cmd.Env,
			"GIT_TERMINAL_PROMPT=0",
			"GITERDONE_GIT_TOKEN="+strings.TrimSpace(string(token)),
		)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITERDONE_GIT_TOKEN"; }; f`,
		)
	}
	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
