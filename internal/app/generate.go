package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"horse.fit/similarity/internal/cli"
	"horse.fit/similarity/internal/similarity"
)

func runGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	force := fs.Bool("force", false, "Regenerate items that already have fingerprints")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ids, err := parseIDs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "generate requires at least one item id")
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

	results, runErr := eng.service.GenerateBatch(ctx, ids, similarity.GenerateOptions{Force: *force})
	if code := printItemResults(results, outputFormat); code != 0 {
		return code
	}
	if runErr != nil {
		eng.logger.Error().Err(runErr).Int("done", len(results)).Int("requested", len(ids)).Msg("generation interrupted")
		fmt.Fprintf(os.Stderr, "Generation interrupted: %v\n", runErr)
		return 1
	}
	for _, res := range results {
		if res.Err != nil {
			return 1
		}
	}
	return 0
}

func runRegenerate(args []string) int {
	fs := flag.NewFlagSet("regenerate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	ids, err := parseIDs(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if len(ids) != 1 {
		fmt.Fprintln(os.Stderr, "regenerate requires exactly one item id")
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

	res, err := eng.service.Regenerate(ctx, ids[0])
	if err != nil && res.ItemID == 0 {
		fmt.Fprintf(os.Stderr, "Regenerate failed: %v\n", err)
		return 1
	}
	if code := printItemResults([]similarity.ItemResult{res}, outputFormat); code != 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}

func printItemResults(results []similarity.ItemResult, outputFormat string) int {
	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"results": results}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		errText := res.Error
		if errText == "" && len(res.RenditionErrors) > 0 {
			errText = renditionErrorSummary(res.RenditionErrors)
		}
		skipped := ""
		if res.Skipped {
			skipped = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", res.ItemID),
			string(res.Stage),
			fmt.Sprintf("%d", res.Fingerprints),
			fmt.Sprintf("%d", res.Candidates),
			fmt.Sprintf("%d", res.PairsCreated),
			skipped,
			truncateForTable(errText, 80),
		})
	}
	if err := writeTable([]string{"item_id", "stage", "fingerprints", "candidates", "pairs", "skipped", "error"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func renditionErrorSummary(errs map[string]string) string {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+errs[name])
	}
	return strings.Join(parts, "; ")
}
