package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/vinceanalytics/keywords"
	"github.com/vinceanalytics/keywords/internal/logger"
)

func main() {
	err := app().Run(context.Background(), os.Args)
	if err == nil {
		return
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := coder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(coder.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func app() *cli.Command {
	return &cli.Command{
		Name:  "keywords",
		Usage: "Build and query keyword sidecar indexes over parquet files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "slog level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("KEYWORDS_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) error {
			logger.Setup(c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			indexCmd(),
			searchCmd(),
			validateCmd(),
		},
	}
}

func indexCmd() *cli.Command {
	return &cli.Command{
		Name:      "index",
		Usage:     "Build the keyword sidecar for a parquet file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "String column to leave out of the index",
			},
			&cli.FloatFlag{
				Name:    "fpr",
				Usage:   "Bloom filter false positive rate",
				Value:   0.01,
				Sources: cli.EnvVars("KEYWORDS_FPR"),
			},
			&cli.UintFlag{
				Name:    "chunk-size",
				Usage:   "Keywords per directory chunk",
				Value:   4096,
				Sources: cli.EnvVars("KEYWORDS_CHUNK_SIZE"),
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Sidecar file name prefix",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return cli.Exit("usage: keywords index <file>", 2)
			}
			err := keywords.BuildAndSaveIndex(ctx, c.Args().First(), keywords.BuildOptions{
				FPR:       c.Float("fpr"),
				ChunkSize: uint32(c.Uint("chunk-size")),
				Exclude:   c.StringSlice("exclude"),
				Prefix:    c.String("prefix"),
			})
			if err != nil {
				var cfg *keywords.ConfigError
				if errors.As(err, &cfg) {
					return cli.Exit(err.Error(), 2)
				}
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func searchCmd() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Look a keyword or phrase up in the sidecar",
		ArgsUsage: "<file> <query>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "columns",
				Usage: "Comma separated column restriction",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Read data file cells when phrase verification is inconclusive",
			},
			&cli.BoolFlag{
				Name:  "accept-stale",
				Usage: "Search even when the index no longer matches the data file",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Sidecar file name prefix",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return cli.Exit("usage: keywords search <file> <query>", 2)
			}
			var restrict []string
			if cols := c.String("columns"); cols != "" {
				restrict = strings.Split(cols, ",")
			}
			res, err := keywords.Search(ctx, c.Args().Get(0), c.Args().Get(1), keywords.SearchOptions{
				Columns:     restrict,
				Verify:      c.Bool("verify"),
				AcceptStale: c.Bool("accept-stale"),
				Prefix:      c.String("prefix"),
			})
			if err != nil {
				if errors.Is(err, keywords.ErrEmptyQuery) {
					return cli.Exit(err.Error(), 2)
				}
				return cli.Exit(err.Error(), 1)
			}
			if res.Empty() {
				fmt.Println("no matches")
				return cli.Exit("", 3)
			}
			printMatches("verified", res.Verified)
			printMatches("verified (data file)", res.Fallback)
			printMatches("candidate", res.Candidates)
			fmt.Printf("total occurrences: %d\n", res.Occurrences())
			return nil
		},
	}
}

func printMatches(kind string, cols []keywords.ColumnMatches) {
	for _, c := range cols {
		fmt.Printf("%s  column=%s rows=%d\n", kind, c.Column, c.Rows)
	}
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check sidecar freshness against the data file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "v",
				Usage:   "Print index details",
				Aliases: []string{"verbose"},
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Sidecar file name prefix",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return cli.Exit("usage: keywords validate <file>", 2)
			}
			file := c.Args().First()
			prefix := c.String("prefix")
			if c.Bool("v") {
				info, err := keywords.IndexInfo(ctx, file, prefix)
				if err == nil {
					fmt.Printf("version=%d columns=%d chunks=%d source_size=%d\n",
						info.Version, len(info.Columns), info.Chunks, info.Source.Size)
				}
			}
			err := keywords.ValidateIndex(ctx, file, prefix)
			switch {
			case err == nil:
				fmt.Println("fresh")
				return nil
			case errors.Is(err, keywords.ErrStaleIndex):
				return cli.Exit("stale", 4)
			case errors.Is(err, keywords.ErrMissingIndex):
				return cli.Exit("missing", 5)
			default:
				return cli.Exit(err.Error(), 1)
			}
		},
	}
}
