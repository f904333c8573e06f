package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/briangreenhill/apicache/cache"
	"github.com/briangreenhill/apicache/internal/app"
	"github.com/briangreenhill/apicache/internal/config"
)

func main() {
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("apicache")
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: apicache <command> [args]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  posts <site> <ids>    Print posts (ids joined with ';')")
	fmt.Fprintln(w, "  recent <site>         Print the most recent questions")
	fmt.Fprintln(w, "  delete <site> <ids>   Remove posts from the cache")
	fmt.Fprintln(w, "  version               Print the version")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  APICACHE_KEY          Stack Exchange API key (optional)")
	fmt.Fprintln(w, "  APICACHE_MAX_AGE      Accept cached items up to this many seconds old")
	fmt.Fprintln(w, "  REDIS_ADDR            Redis address (default localhost:6379)")
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, "apicache v0.2.0")
		return nil
	case "posts", "recent", "delete":
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}

	want := map[string]int{"posts": 3, "recent": 2, "delete": 3}[args[0]]
	if len(args) != want {
		return fmt.Errorf("%s: expected %d arguments, got %d", args[0], want-1, len(args)-1)
	}

	maxAge := cache.AnyAge
	if v := os.Getenv("APICACHE_MAX_AGE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid APICACHE_MAX_AGE: %q", v)
		}
		maxAge = cache.Seconds(n)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	apiKey := os.Getenv("APICACHE_KEY")
	site := args[1]

	var items []json.RawMessage
	switch args[0] {
	case "posts":
		items, err = a.Engine.GetItemSet(ctx, cache.SplitIDs(args[2]), apiKey, site, 0, maxAge)
	case "recent":
		items, err = a.Engine.GetRecentQuestions(ctx, apiKey, site, 0, maxAge)
	case "delete":
		if err := a.Engine.Invalidate(ctx, cache.SplitIDs(args[2]), site, true); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", site, err)
		}
		fmt.Fprintln(out, "deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get %s from %s: %w", args[0], site, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
