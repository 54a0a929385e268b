package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/similarity/internal/cli"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	stats, err := pool.QueryStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"items", fmt.Sprintf("%d", stats.Items)},
		{"renditions", fmt.Sprintf("%d", stats.Renditions)},
		{"fingerprints", fmt.Sprintf("%d", stats.Fingerprints)},
		{"fingerprinted_items", fmt.Sprintf("%d", stats.Fingerprinted)},
		{"pools", fmt.Sprintf("%d", stats.Pools)},
		{"links", fmt.Sprintf("%d", stats.Links)},
		{"unpaired_links", fmt.Sprintf("%d", stats.UnpairedLinks)},
		{"stale_pool_counts", fmt.Sprintf("%d", stats.StalePoolCounts)},
		{"layout", stats.Layout},
		{"dialect", stats.Dialect},
	}
	if err := writeTable([]string{"metric", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
