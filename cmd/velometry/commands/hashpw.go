package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velometry/velometry/internal/auth"
)

// ErrEmptyPassword rejects blank input to the hash-password command.
var ErrEmptyPassword = errors.New("password must not be empty")

// NewHashPasswordCommand builds the credential helper that turns a plaintext
// password into the PBKDF2-SHA256 hash the dashboard auth config expects.
func NewHashPasswordCommand() *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a dashboard password for the auth config",
		Long: `Hash-password reads a password from stdin and prints the
pbkdf2-sha256 hash to paste into dashboard.auth.users[].passwordHashPbkdf2Sha256.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())

			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}

			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return ErrEmptyPassword
			}

			hash, err := auth.HashPassword(password, iterations)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", auth.MinIterations, "PBKDF2 iteration count")

	return cmd
}
