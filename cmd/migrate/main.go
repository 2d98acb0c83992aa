package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"leadradar/migrations"
)

const usage = `Usage: migrate [-db path] <command> [args]

Commands:
  up            Apply all pending migrations
  up-by-one     Apply the next pending migration
  down          Roll back the latest migration
  down-to <v>   Roll back to version v (0 rolls back everything)
  status        List migrations and when they were applied
  version       Print the current schema version
`

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/leadradar.db"), "path to sqlite database")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), *dbPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dbPath string, args []string, out io.Writer) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch cmd := args[0]; cmd {
	case "up":
		results, err := p.Up(ctx)
		printResults(out, results)
		return err
	case "up-by-one":
		res, err := p.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Fprintln(out, "no pending migrations")
			return nil
		}
		printResults(out, []*goose.MigrationResult{res})
		return err
	case "down":
		res, err := p.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Fprintln(out, "nothing to roll back")
			return nil
		}
		printResults(out, []*goose.MigrationResult{res})
		return err
	case "down-to":
		if len(args) < 2 {
			return fmt.Errorf("down-to requires a version")
		}
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || version < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		results, err := p.DownTo(ctx, version)
		printResults(out, results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
		for _, s := range statuses {
			applied := "-"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
		}
		return tw.Flush()
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printResults(out io.Writer, results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no pending migrations")
		return
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		fmt.Fprintf(out, "%s %d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
