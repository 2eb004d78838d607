package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"

	"github.com/anatolykoptev/go-imageguard"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "imageguard",
		Usage:   "classify images through rate-limited vision providers, with caching and a denylist",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a YAML file with providers, budgets and cues",
			EnvVars: []string{"IMAGEGUARD_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "journal",
			Usage:   "journal location: a file path or a redis:// URL; empty keeps state in memory",
			EnvVars: []string{"IMAGEGUARD_JOURNAL"},
		},
		&cli.StringFlag{
			Name:    "mode",
			Usage:   "dispatch mode: parallel, stagger or sequential",
			EnvVars: []string{"IMAGEGUARD_MODE"},
		},
		&cli.StringFlag{
			Name:    "cache-policy",
			Usage:   "trust or fallback_on_error_only",
			EnvVars: []string{"IMAGEGUARD_CACHE_POLICY"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"IMAGEGUARD_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		classifyCmd,
		denyCmd,
		unlearnCmd,
		statsCmd,
		serveCmd,
	}

	return app.Run(args)
}

func configureLogging(cctx *cli.Context) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openGuard builds a Guard from flags and the config file and replays its
// journal.
func openGuard(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*imageguard.Guard, *fileConfig, error) {
	fc, err := loadFileConfig(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if m := cctx.String("mode"); m != "" {
		fc.Mode = m
	}
	if p := cctx.String("cache-policy"); p != "" {
		fc.CachePolicy = p
	}
	if j := cctx.String("journal"); j != "" {
		fc.Journal = j
	}

	cfg, err := fc.guardConfig(ctx, logger)
	if err != nil {
		return nil, nil, err
	}
	g := imageguard.New(cfg)
	if _, err := g.Replay(ctx); err != nil {
		g.Close()
		return nil, nil, err
	}
	return g, fc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var classifyCmd = &cli.Command{
	Name:      "classify",
	Usage:     "classify image files or URLs",
	ArgsUsage: "<file-or-url>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "hint",
			Usage: "caption or context passed to providers",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return fmt.Errorf("need at least one file or URL")
		}
		ctx := cctx.Context
		g, _, err := openGuard(ctx, cctx, configureLogging(cctx))
		if err != nil {
			return err
		}
		defer g.Close()

		var opts []imageguard.Option
		if h := cctx.String("hint"); h != "" {
			opts = append(opts, imageguard.WithHint(h))
		}
		for _, arg := range cctx.Args().Slice() {
			res, err := classifyArg(ctx, g, arg, opts)
			if err != nil {
				return err
			}
			if err := printJSON(map[string]any{"input": arg, "result": res}); err != nil {
				return err
			}
		}
		return nil
	},
}

var denyCmd = &cli.Command{
	Name:      "deny",
	Usage:     "add image files, a sha1/ahash pair, or a saved deny log to the denylist",
	ArgsUsage: "<file>...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "sha1", Usage: "deny by exact fingerprint"},
		&cli.StringFlag{Name: "ahash", Usage: "approximate fingerprint to deny with --sha1"},
		&cli.StringFlag{Name: "from-log", Usage: "file of \"deny sha1=... ahash=...\" lines, as printed by this command"},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		logger := configureLogging(cctx)
		g, _, err := openGuard(ctx, cctx, logger)
		if err != nil {
			return err
		}
		defer g.Close()

		if path := cctx.String("from-log"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			n, err := importDenyLog(ctx, g, f, logger)
			f.Close()
			if err != nil {
				return err
			}
			fmt.Printf("imported %d entries from %s\n", n, path)
		}

		if exact := cctx.String("sha1"); exact != "" {
			e, err := g.DenyFingerprint(ctx, exact, cctx.String("ahash"))
			if err != nil {
				return err
			}
			fmt.Println(e.String())
		}
		for _, path := range cctx.Args().Slice() {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			e, err := g.Deny(ctx, data)
			if err != nil {
				return err
			}
			fmt.Println(e.String())
		}
		return nil
	},
}

var unlearnCmd = &cli.Command{
	Name:      "unlearn",
	Usage:     "forget cached verdicts by exact fingerprint",
	ArgsUsage: "<sha1>...",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		g, _, err := openGuard(ctx, cctx, configureLogging(cctx))
		if err != nil {
			return err
		}
		defer g.Close()

		for _, exact := range cctx.Args().Slice() {
			fmt.Printf("%s\t%v\n", exact, g.Unlearn(ctx, exact))
		}
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "replay the journal and print cache and denylist sizes",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		g, _, err := openGuard(ctx, cctx, configureLogging(cctx))
		if err != nil {
			return err
		}
		defer g.Close()
		return printJSON(g.Stats())
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP classification service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":8088",
			EnvVars: []string{"IMAGEGUARD_BIND"},
		},
		&cli.BoolFlag{
			Name:    "allow-url-fetch",
			Usage:   "let POST /classify download images by URL (the server will fetch any address it is given)",
			EnvVars: []string{"IMAGEGUARD_ALLOW_URL_FETCH"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := configureLogging(cctx)

		shutdownTracing, err := setupTracing(ctx, logger)
		if err != nil {
			return err
		}
		defer shutdownTracing()

		g, fc, err := openGuard(ctx, cctx, logger)
		if err != nil {
			return err
		}
		defer g.Close()

		if fc.CuesFile != "" {
			if err := watchCues(ctx, fc, logger); err != nil {
				return err
			}
		}

		srv := NewServer(g, ServerConfig{Logger: logger, AllowURLFetch: cctx.Bool("allow-url-fetch")})
		return srv.Run(ctx, cctx.String("bind"))
	},
}
