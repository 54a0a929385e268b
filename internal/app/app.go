package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "register":
		return runRegister(args[1:])
	case "generate":
		return runGenerate(args[1:])
	case "regenerate":
		return runRegenerate(args[1:])
	case "check":
		return runCheck(args[1:])
	case "recount":
		return runRecount(args[1:])
	case "prune":
		return runPrune(args[1:])
	case "delete-item":
		return runDeleteItem(args[1:])
	case "stats":
		return runStats(args[1:])
	case "hash-key":
		return runHashKey(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "similarity CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  similarity <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health       Verify database connectivity and fingerprint layout")
	fmt.Fprintln(os.Stderr, "  serve        Start the Echo API server and job workers")
	fmt.Fprintln(os.Stderr, "  register     Record the media location of one item rendition")
	fmt.Fprintln(os.Stderr, "  generate     Fingerprint and match items that have no fingerprints yet")
	fmt.Fprintln(os.Stderr, "  regenerate   Drop and rebuild one item's fingerprints and pairs")
	fmt.Fprintln(os.Stderr, "  check        Find stored items similar to URLs, files or items")
	fmt.Fprintln(os.Stderr, "  recount      Recompute cached pool sizes")
	fmt.Fprintln(os.Stderr, "  prune        Delete weak pairs and expired media cache entries")
	fmt.Fprintln(os.Stderr, "  delete-item  Remove an item's pairs, pool and fingerprints")
	fmt.Fprintln(os.Stderr, "  stats        Show corpus and graph counters")
	fmt.Fprintln(os.Stderr, "  hash-key     Generate or hash an API key for API_KEY_HASH")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"similarity <command> -h\" for command-specific flags.")
}
