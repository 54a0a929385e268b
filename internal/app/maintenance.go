package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"horse.fit/similarity/internal/cli"
)

func runRecount(args []string) int {
	fs := flag.NewFlagSet("recount", flag.ContinueOnError)
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

	counts, err := eng.graph.RecountItems(ctx, ids)
	if err != nil {
		eng.logger.Error().Err(err).Int("recounted", len(counts)).Msg("recount failed")
		fmt.Fprintf(os.Stderr, "Recount failed after %d pools: %v\n", len(counts), err)
		return 1
	}

	poolIDs := make([]int64, 0, len(counts))
	for id := range counts {
		poolIDs = append(poolIDs, id)
	}
	sort.Slice(poolIDs, func(i, j int) bool { return poolIDs[i] < poolIDs[j] })

	if outputFormat == outputFormatJSON {
		type row struct {
			PoolID       int64 `json:"pool_id"`
			ElementCount int   `json:"element_count"`
		}
		out := make([]row, 0, len(poolIDs))
		for _, id := range poolIDs {
			out = append(out, row{PoolID: id, ElementCount: counts[id]})
		}
		if err := printJSON(map[string]any{"pools": out}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(poolIDs))
	for _, id := range poolIDs {
		rows = append(rows, []string{fmt.Sprintf("%d", id), fmt.Sprintf("%d", counts[id])})
	}
	if err := writeTable([]string{"pool_id", "element_count"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	below := fs.Float64("below", 0, "Delete pairs scoring below this value (0 < score <= 100)")
	pruneMedia := fs.Bool("media", false, "Also remove expired media cache entries")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "prune does not accept positional arguments")
		return 2
	}
	if *below == 0 && !*pruneMedia {
		fmt.Fprintln(os.Stderr, "prune requires --below, --media or both")
		return 2
	}
	if *below < 0 || *below > 100 {
		fmt.Fprintln(os.Stderr, "--below must be in (0, 100]")
		return 2
	}

	if *below > 0 && !*force {
		ok, err := confirmDangerousAction(fmt.Sprintf("Delete every pair scoring below %s?", formatScore(*below)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read confirmation: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return 1
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := openEngine(ctx, envLoader, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer eng.close()

	if *below > 0 {
		deleted, err := eng.service.Prune(ctx, *below)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Prune failed after %d links: %v\n", deleted, err)
			return 1
		}
		fmt.Printf("links_deleted=%d\n", deleted)
	}

	if *pruneMedia {
		removed, err := eng.media.PruneExpired()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Media prune failed: %v\n", err)
			return 1
		}
		fmt.Printf("media_removed=%d\n", removed)
	}
	return 0
}

func runDeleteItem(args []string) int {
	fs := flag.NewFlagSet("delete-item", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	renditions := fs.Bool("renditions", false, "Also forget the item's registered renditions")
	force := fs.Bool("force", false, "Skip confirmation prompt")

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
		fmt.Fprintln(os.Stderr, "delete-item requires exactly one item id")
		return 2
	}
	itemID := ids[0]

	if !*force {
		ok, err := confirmDangerousAction(fmt.Sprintf("Remove item %d from the similarity graph?", itemID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read confirmation: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return 1
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := openEngine(ctx, envLoader, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer eng.close()

	res, err := eng.service.DeleteItem(ctx, itemID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		return 1
	}

	var renditionsRemoved int64
	if *renditions {
		renditionsRemoved, err = eng.pool.DeleteItemRenditions(ctx, itemID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete renditions: %v\n", err)
			return 1
		}
	}

	fmt.Printf("item_id=%d links_removed=%d fingerprints_removed=%d renditions_removed=%d\n",
		res.ItemID, res.LinksRemoved, res.Fingerprints, renditionsRemoved)
	return 0
}

func confirmDangerousAction(prompt string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", strings.TrimSpace(prompt))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
