// Package passphrase resolves the sponsor mnemonic when sponsor_key_ref is
// "prompt".
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnvVar is consulted before prompting.
const DefaultEnvVar = "CONFIO_SPONSOR_MNEMONIC"

// MnemonicWords is the length of an Algorand account mnemonic.
const MnemonicWords = 25

// Source reads the sponsor mnemonic once from the environment or the
// terminal and caches it.
type Source struct {
	envVar string
	lookup func(string) (string, bool)
	prompt func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar (DefaultEnvVar when empty) before prompting on the
// controlling terminal.
func NewSource(envVar string) *Source {
	envVar = strings.TrimSpace(envVar)
	if envVar == "" {
		envVar = DefaultEnvVar
	}
	return &Source{envVar: envVar, lookup: os.LookupEnv, prompt: readTerminal(os.Stdin, os.Stderr)}
}

// Get returns the normalised mnemonic: single spaces, lower case, exactly 25
// words.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		raw, ok := s.lookup(s.envVar)
		if !ok {
			raw, s.err = s.prompt()
			if s.err != nil {
				if errors.Is(s.err, errNoTerminal) {
					s.err = fmt.Errorf("sponsor mnemonic required; set %s or run interactively", s.envVar)
				}
				return
			}
		}
		s.value, s.err = normalise(raw)
		if s.err != nil && ok {
			s.err = fmt.Errorf("%s: %w", s.envVar, s.err)
		}
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal")

func readTerminal(in *os.File, out io.Writer) func() (string, error) {
	return func() (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", errNoTerminal
		}
		fmt.Fprint(out, "Enter sponsor mnemonic (25 words): ")
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read mnemonic: %w", err)
		}
		return string(bytes), nil
	}
}

func normalise(raw string) (string, error) {
	words := strings.Fields(strings.ToLower(raw))
	switch n := len(words); {
	case n == 0:
		return "", errors.New("sponsor mnemonic cannot be empty")
	case n != MnemonicWords:
		return "", fmt.Errorf("sponsor mnemonic has %d words, want %d", n, MnemonicWords)
	}
	return strings.Join(words, " "), nil
}
