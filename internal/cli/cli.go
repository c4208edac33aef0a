// Package cli wires the DSU's cobra command tree (SPEC_FULL.md §4.9):
// a "run" subcommand that starts the daemon, and a "keygen" subcommand
// for provisioning a signing identity ahead of time, following the
// upstream project's own sec-tool idiom (tools/sec/keygen.go).
package cli

import (
	"fmt"
	"os"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/security"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/spf13/cobra"

	"github.com/named-data/dsu/internal/identity"
	"github.com/named-data/dsu/internal/process"
)

// CmdDSU is the root command, executed directly by cmd/dsu/main.go.
var CmdDSU = &cobra.Command{
	Use:   "dsu",
	Short: "Data Synchronization Unit for the OpenMHealth NDN deployment",
}

func init() {
	CmdDSU.AddCommand(cmdRun)
	CmdDSU.AddCommand(cmdKeygen)
}

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Start the DSU daemon",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if err := process.Run(runConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "dsu run: %s\n", err)
			os.Exit(1)
		}
	},
}

var cmdKeygen = &cobra.Command{
	Use:   "keygen IDENTITY",
	Short: "Generate an Ed25519 signing key for the DSU's identity, PEM-encoded to stdout",
	Args:  cobra.ExactArgs(1),
	Run:   runKeygen,
}

var runConfigPath string

func init() {
	cmdRun.Flags().StringVar(&runConfigPath, "config", "dsu.yaml", "path to the DSU's YAML config file")
}

// runKeygen generates a fresh Ed25519 signing key under <identity>/KEY,
// PEM-encoding the secret to stdout — the same round-trip
// tools/sec/keygen.go uses for the stack's own identities.
func runKeygen(_ *cobra.Command, args []string) {
	name, err := enc.NameFromStr(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid identity: %s\n", args[0])
		os.Exit(1)
		return
	}

	signer, err := sig.KeygenEd25519(identity.KeyName(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %s\n", err)
		os.Exit(1)
		return
	}

	secreter, ok := signer.(interface{ Secret() ([]byte, error) })
	if !ok {
		fmt.Fprintf(os.Stderr, "Signer does not support secret export\n")
		os.Exit(1)
		return
	}
	bits, err := secreter.Secret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode secret key: %s\n", err)
		os.Exit(1)
		return
	}

	out, err := security.PemEncode(bits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to convert secret key to text: %s\n", err)
		os.Exit(1)
		return
	}
	os.Stdout.Write(out)
}
