package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jbhatt/waclaw/pkg/waclaw/agent"
)

// newCredentialsCmd creates the `waclaw credentials` command for managing
// the agent token.
func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the agent credential",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the agent token in the OS keyring",
			RunE:  runCredentialsSet,
		},
		&cobra.Command{
			Use:   "vault",
			Short: "Write the agent token to an encrypted vault file",
			RunE:  runCredentialsVault,
		},
	)
	return cmd
}

func runCredentialsSet(_ *cobra.Command, _ []string) error {
	token, err := readSecret("Agent token: ")
	if err != nil {
		return err
	}
	if err := agent.StoreCredential(token); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	fmt.Println("Token stored in OS keyring.")
	return nil
}

func runCredentialsVault(_ *cobra.Command, _ []string) error {
	token, err := readSecret("Agent token: ")
	if err != nil {
		return err
	}
	passphrase, err := readSecret("Vault passphrase: ")
	if err != nil {
		return err
	}
	if err := agent.WriteVault(token, passphrase); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	fmt.Println("Vault written.")
	return nil
}

// readSecret prompts without echo when a terminal is attached.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal attached")
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("empty input")
	}
	return string(secret), nil
}
