package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

const minPINLength = 4

var pinHashCmd = &cobra.Command{
	Use:   "pin-hash",
	Short: "Hash a proctor PIN for PROCTOR_PIN_HASH",
	Long: `Read a proctor PIN without echo and print its bcrypt hash. Stations
configured with the hash let a proctor reset a candidate's violation count.`,
	Args: cobra.NoArgs,
	RunE: runPinHash,
}

func init() {
	rootCmd.AddCommand(pinHashCmd)
}

func runPinHash(cmd *cobra.Command, args []string) error {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return errors.New("pin-hash needs an interactive terminal")
	}

	fmt.Fprint(os.Stderr, "Proctor PIN: ")
	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read PIN: %w", err)
	}
	if len(pin) < minPINLength {
		return fmt.Errorf("PIN must be at least %d characters", minPINLength)
	}

	fmt.Fprint(os.Stderr, "Repeat PIN: ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read PIN: %w", err)
	}
	if string(again) != string(pin) {
		return errors.New("PINs do not match")
	}

	hash, err := bcrypt.GenerateFromPassword(pin, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash PIN: %w", err)
	}
	printInfo("PROCTOR_PIN_HASH=%s", hash)
	return nil
}
