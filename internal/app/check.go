package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/similarity/internal/cli"
	"horse.fit/similarity/internal/similarity"
)

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	minScore := fs.Float64("min-score", 0, "Minimum score from 0 to 100 (0 uses SIMILARITY_MIN_SCORE)")
	rendition := fs.String("rendition", "", "For item inputs, compare only the small or original rendition hashes")
	pattern := fs.String("pattern", "", "Bucket pattern: cross2, pairs or exact (empty uses SIMILARITY_BUCKET_PATTERN)")
	limit := fs.Int("limit", 0, "Maximum matches per input (0 means no limit)")
	includeItems := fs.Bool("include-items", false, "Include rendition locations of matched items")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "check requires at least one URL, path or item:<id>")
		return 2
	}
	if *minScore < 0 || *minScore > 100 {
		fmt.Fprintln(os.Stderr, "--min-score must be between 0 and 100")
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := openEngine(ctx, envLoader, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer eng.close()

	results, err := eng.service.Check(ctx, similarity.CheckRequest{
		Inputs:       fs.Args(),
		MinScore:     *minScore,
		Rendition:    *rendition,
		Pattern:      *pattern,
		Limit:        *limit,
		IncludeItems: *includeItems,
	})
	if err != nil {
		if errors.Is(err, similarity.ErrInvalidInput) {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"results": results}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return exitCodeForChecks(results)
	}

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		if res.Error != "" {
			rows = append(rows, []string{truncateForTable(res.Input, 60), "", "", "", "error: " + truncateForTable(res.Error, 60)})
			continue
		}
		if len(res.Matches) == 0 {
			rows = append(rows, []string{truncateForTable(res.Input, 60), "", "", "", "no matches"})
			continue
		}
		for _, m := range res.Matches {
			rows = append(rows, []string{
				truncateForTable(res.Input, 60),
				fmt.Sprintf("%d", m.ItemID),
				formatScore(m.Score),
				m.Rendition,
				"",
			})
		}
	}
	if err := writeTable([]string{"input", "item_id", "score", "rendition", "note"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return exitCodeForChecks(results)
}

func exitCodeForChecks(results []similarity.CheckResult) int {
	for _, res := range results {
		if res.Error != "" {
			return 1
		}
	}
	return 0
}
