package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/similarity/internal/cli"
	"horse.fit/similarity/internal/db"
)

func runRegister(args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	itemID := fs.Int64("item", 0, "Item id")
	rendition := fs.String("rendition", "original", "Rendition name, e.g. preview, sample or original")
	location := fs.String("location", "", "Media URL or local file path")
	width := fs.Int("width", 0, "Rendition width in pixels (optional)")
	height := fs.Int("height", 0, "Rendition height in pixels (optional)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "register does not accept positional arguments")
		return 2
	}
	if *itemID <= 0 {
		fmt.Fprintln(os.Stderr, "--item must be a positive integer")
		return 2
	}
	if strings.TrimSpace(*rendition) == "" {
		fmt.Fprintln(os.Stderr, "--rendition must not be empty")
		return 2
	}
	if strings.TrimSpace(*location) == "" {
		fmt.Fprintln(os.Stderr, "--location is required")
		return 2
	}
	if *width < 0 || *height < 0 {
		fmt.Fprintln(os.Stderr, "--width and --height must be >= 0")
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	in := db.RenditionInput{
		ItemID:   *itemID,
		Name:     *rendition,
		Location: *location,
	}
	if *width > 0 {
		in.Width = width
	}
	if *height > 0 {
		in.Height = height
	}

	if err := pool.RegisterRendition(ctx, in); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register rendition: %v\n", err)
		return 1
	}
	fmt.Printf("registered item_id=%d rendition=%s\n", *itemID, strings.ToLower(strings.TrimSpace(*rendition)))
	return 0
}
