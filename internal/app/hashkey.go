package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"horse.fit/similarity/internal/auth"
)

// runHashKey prints a bcrypt hash for API_KEY_HASH. Without --key a new key
// is generated and printed once.
func runHashKey(args []string) int {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	key := fs.String("key", "", "Existing API key to hash (generated when empty)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "hash-key does not accept positional arguments")
		return 2
	}

	plain := strings.TrimSpace(*key)
	if plain == "" {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		plain = generated
	}

	hash, err := auth.HashAPIKey(plain)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("api_key=%s\n", plain)
	fmt.Printf("API_KEY_HASH=%s\n", hash)
	return 0
}
