// Package prompt provides interactive terminal prompts for sensitive wallet
// input.  Passphrases are read with echo disabled and returned as byte
// slices so callers can zero them after use.
package prompt

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"
)

// promptPass prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func promptPass(prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		confirm, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirm = bytes.TrimSpace(confirm)
		if !bytes.Equal(pass, confirm) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// NewPassphrase prompts the user for the passphrase protecting a new wallet.
// The user is asked to confirm the entry and the prompts repeat until both
// entries match.
func NewPassphrase() ([]byte, error) {
	return promptPass("Enter the passphrase for your new wallet", true)
}

// Passphrase prompts the user for the passphrase of an existing wallet.
func Passphrase() ([]byte, error) {
	return promptPass("Enter the passphrase of your wallet", false)
}
