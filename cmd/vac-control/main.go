// Command vac-control runs the mock control plane and carries the demo
// issuing tools: key generation and credential minting under a root key.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/certainly-param/vac/pkg/controlplane"
	"github.com/certainly-param/vac/pkg/observability"
	"github.com/certainly-param/vac/pkg/token"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommands; split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "mint":
		return runMint(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "usage: vac-control [serve|keygen|mint]\n")
		return 2
	}
}

func runServe(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":8090", "listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := observability.SetupLogger(os.Getenv("VAC_LOG_LEVEL"))
	mock := controlplane.NewMock()
	server := &http.Server{
		Addr:              *addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("mock control plane listening", "addr", *addr)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("listener failed", "error", err)
		return 1
	}
	return 0
}

func runKeygen(stdout, stderr io.Writer) int {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "root_public_key=%s\n", hex.EncodeToString(pub))
	fmt.Fprintf(stdout, "root_private_key=%s\n", hex.EncodeToString(priv.Seed()))
	return 0
}

func runMint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	seedHex := fs.String("root-key", "", "hex seed of the root private key")
	adapterHash := fs.String("adapter-hash", "", "pin a WASM adapter by hex SHA-256")
	var policies, facts, rules, checks multiFlag
	fs.Var(&policies, "policy", "allow/deny policy source (repeatable)")
	fs.Var(&facts, "fact", "authority fact source (repeatable)")
	fs.Var(&rules, "rule", "authority rule source (repeatable)")
	fs.Var(&checks, "check", "authority check source (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	seed, err := hex.DecodeString(*seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		fmt.Fprintf(stderr, "mint: -root-key must be a %d-byte hex seed\n", ed25519.SeedSize)
		return 2
	}
	priv := ed25519.NewKeyFromSeed(seed)

	encoded, id, err := token.Issue(priv, token.CredentialSpec{
		Facts:       facts,
		Rules:       rules,
		Checks:      checks,
		Policies:    policies,
		AdapterHash: *adapterHash,
		Depth:       -1,
	})
	if err != nil {
		fmt.Fprintf(stderr, "mint: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "credential=%s\n", encoded)
	fmt.Fprintf(stdout, "token_id=%s\n", id.Hex())
	return 0
}

type multiFlag []string

func (f *multiFlag) String() string { return fmt.Sprint([]string(*f)) }
func (f *multiFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}
