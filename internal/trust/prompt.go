package trust

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// Prompter asks the operator for missing trust material.
type Prompter interface {
	// PrivateKey asks for the contents of the private key to store at path.
	PrivateKey(path string) (string, error)
	// ConfirmHost asks whether host may be added to known_hosts.
	ConfirmHost(host string) (bool, error)
}

// FormPrompter asks through terminal forms.
type FormPrompter struct{}

func (FormPrompter) PrivateKey(path string) (string, error) {
	var key string
	err := huh.NewText().
		Title("No SSH private key found").
		Description(fmt.Sprintf("Paste the private key to store at %s", path)).
		Value(&key).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", fmt.Errorf("%w: key prompt aborted", ErrDeclined)
		}
		return "", fmt.Errorf("key prompt failed: %w", err)
	}
	return key, nil
}

func (FormPrompter) ConfirmHost(host string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s is not in known_hosts. Trust it?", host)).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("host prompt failed: %w", err)
	}
	return ok, nil
}

// NonInteractive declines every request. Scheduled runs use it.
type NonInteractive struct{}

func (NonInteractive) PrivateKey(path string) (string, error) {
	return "", fmt.Errorf("%w: private key %s missing and no terminal to ask", ErrDeclined, path)
}

func (NonInteractive) ConfirmHost(host string) (bool, error) {
	return false, nil
}

// DefaultPrompter returns a FormPrompter when stdin is a terminal and
// NonInteractive otherwise.
func DefaultPrompter() Prompter {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return FormPrompter{}
	}
	return NonInteractive{}
}
