// Package main implements solrqueue-ctl, the operator CLI for one-shot queue
// maintenance: reinitializing the queue, indexing, replaying deferred events,
// refreshing connections, reading statistics and resetting errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/app"
	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/initializer"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/site"
)

var (
	version = "dev"
	commit  = "unknown"
)

// command is one ctl subcommand. run returns the succeeded and failed counts;
// a non-nil error is fatal.
type command struct {
	usage string
	flags func(fs *flag.FlagSet) func(ctx context.Context, a *app.App, out io.Writer) (int, int, error)
}

var commands = map[string]command{
	"reindex": {
		usage: "reindex [-site N] [-config name|*]   rebuild the queue rows of sites",
		flags: reindexCommand,
	},
	"index": {
		usage: "index [-site N] [-max N]             index pending queue items",
		flags: indexCommand,
	},
	"replay": {
		usage: "replay [-limit N]                    replay deferred record changes",
		flags: replayCommand,
	},
	"update-connections": {
		usage: "update-connections [-site N]         rebuild and ping Solr connections",
		flags: connectionsCommand,
	},
	"stats": {
		usage: "stats [-site N]                      print queue statistics",
		flags: statsCommand,
	},
	"reset-errors": {
		usage: "reset-errors [-site N]               clear item errors so they are retried",
		flags: resetErrorsCommand,
	},
}

func usage() {
	fmt.Fprintf(os.Stderr, "solrqueue-ctl - operator CLI for the solrqueue index queue\n\n")
	fmt.Fprintf(os.Stderr, "Usage: solrqueue-ctl [global options] <command> [command options]\n\n")
	fmt.Fprintf(os.Stderr, "Global options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		jsonOutput  bool
		showVersion bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.BoolVar(&jsonOutput, "json", false, "Log as JSON")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("solrqueue-ctl version %s (commit: %s)\n", version, commit)
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(flag.Arg(0), flag.ExitOnError)
	run := cmd.flags(fs)
	fs.Parse(flag.Args()[1:])

	cfg, err := loadConfig(envFile, configFile, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	logger := logging.NewWithOutput(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	os.Exit(execute(context.Background(), cfg, logger, run, os.Stdout))
}

// execute opens the app, runs one command and returns the exit status.
func execute(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, run func(context.Context, *app.App, io.Writer) (int, int, error), out io.Writer) int {
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create application")
		return 1
	}
	if err := a.Open(ctx); err != nil {
		logger.WithError(err).Error("failed to open application")
		return 1
	}
	defer a.Close()

	succeeded, failed, err := run(ctx, a, out)
	if err != nil {
		logger.WithError(err).Error("command failed")
		return 1
	}
	fmt.Fprintf(out, "succeeded: %d, failed: %d\n", succeeded, failed)
	return 0
}

func loadConfig(envFile, configFile, dataDir string) (*config.Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	// One-shot runs never start the background scheduler.
	cfg.Scheduler.Enabled = false
	return cfg, nil
}

func reindexCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	root := fs.Int64("site", 0, "Root page id of the site (default: every site)")
	name := fs.String("config", initializer.AllConfigurations, "Indexing configuration name or *")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		results := make(map[int64]map[string]initializer.Result)
		if *root == 0 {
			if *name != initializer.AllConfigurations {
				return 0, 0, fmt.Errorf("-config requires -site")
			}
			all, err := a.Initializer().InitializeAll(ctx)
			if err != nil {
				return 0, 0, err
			}
			results = all
		} else {
			s, err := a.Sites().GetSiteByRootPageID(*root)
			if err != nil {
				return 0, 0, err
			}
			res, err := a.Initializer().InitializeBySiteAndIndexConfiguration(ctx, s, *name)
			if res == nil && err != nil {
				return 0, 0, err
			}
			results[*root] = res
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SITE\tCONFIGURATION\tTABLE\tITEMS\tERROR")
		succeeded, failed := 0, 0
		for _, r := range sortedRoots(results) {
			byName := results[r]
			names := make([]string, 0, len(byName))
			for n := range byName {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				res := byName[n]
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r, n, res.Table, res.Count, res.Error)
				if res.Error != "" {
					failed++
				} else {
					succeeded++
				}
			}
		}
		tw.Flush()
		return succeeded, failed, nil
	}
}

func indexCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	root := fs.Int64("site", 0, "Root page id of the site (default: every site)")
	limit := fs.Int("max", 0, "Maximum number of items (default: scheduler.max_documents)")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		n := *limit
		if n <= 0 {
			n = a.Config().Scheduler.MaxDocuments
		}
		var roots []int64
		if *root != 0 {
			if _, err := a.Sites().GetSiteByRootPageID(*root); err != nil {
				return 0, 0, err
			}
			roots = append(roots, *root)
		}
		res, err := a.Indexer().IndexItems(ctx, n, roots...)
		if err != nil {
			return 0, 0, err
		}
		fmt.Fprintf(out, "run %s: processed %d, indexed %d, removed %d, documents %d in %s\n",
			res.RunID, res.Processed, res.Indexed, res.Removed, res.Documents, res.Duration)
		return res.Indexed + res.Removed, res.Failed, nil
	}
}

func replayCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	limit := fs.Int("limit", 0, "Maximum number of events (default: scheduler.event_queue_limit)")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		n := *limit
		if n <= 0 {
			n = a.Config().Scheduler.EventQueueLimit
		}
		res, err := a.Processor().Process(ctx, n)
		if err != nil {
			return 0, 0, err
		}
		fmt.Fprintf(out, "fetched %d events, %d coalesced\n", res.Fetched, res.Coalesced)
		return res.Processed, res.Failed, nil
	}
}

func connectionsCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	root := fs.Int64("site", 0, "Root page id of the site (default: every site)")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		var roots []int64
		if *root != 0 {
			roots = append(roots, *root)
		}
		statuses, err := a.Connections().UpdateConnections(ctx, roots...)
		if err != nil {
			return 0, 0, err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SITE\tLANGUAGE\tROLE\tCORE\tSTATUS")
		reachable, unreachable := 0, 0
		for _, s := range statuses {
			status := "ok"
			if !s.Reachable {
				status = "unreachable: " + s.Error
				unreachable++
			} else {
				reachable++
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", s.RootPageID, s.Language, s.Role, s.Core, status)
		}
		tw.Flush()
		return reachable, unreachable, nil
	}
}

func statsCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	root := fs.Int64("site", 0, "Root page id of the site (default: every site)")
	asJSON := fs.Bool("json", false, "Print JSON")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		sites := a.Sites().GetAvailableSites()
		if *root != 0 {
			s, err := a.Sites().GetSiteByRootPageID(*root)
			if err != nil {
				return 0, 0, err
			}
			sites = []*site.Site{s}
		}

		type siteStats struct {
			Root    int64  `json:"root_page_id"`
			Name    string `json:"name"`
			Total   int64  `json:"total"`
			Pending int64  `json:"pending"`
			Indexed int64  `json:"indexed"`
			Failed  int64  `json:"failed"`
		}
		var rows []siteStats
		var indexed, failed int64
		for _, s := range sites {
			st, err := a.Queue().GetStatisticsFor(ctx, s.RootPageID)
			if err != nil {
				return 0, 0, err
			}
			rows = append(rows, siteStats{s.RootPageID, s.Name, st.Total, st.Pending, st.Indexed, st.Failed})
			indexed += st.Indexed
			failed += st.Failed
		}
		events, erroneous, err := a.EventQueue().Count(ctx)
		if err != nil {
			return 0, 0, err
		}

		if *asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"sites":       rows,
				"event_queue": map[string]int64{"total": events, "erroneous": erroneous},
			}); err != nil {
				return 0, 0, err
			}
			return int(indexed), int(failed), nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SITE\tNAME\tTOTAL\tPENDING\tINDEXED\tFAILED")
		for _, r := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\n", r.Root, r.Name, r.Total, r.Pending, r.Indexed, r.Failed)
		}
		tw.Flush()
		fmt.Fprintf(out, "event queue: %d events, %d erroneous\n", events, erroneous)
		return int(indexed), int(failed), nil
	}
}

func resetErrorsCommand(fs *flag.FlagSet) func(context.Context, *app.App, io.Writer) (int, int, error) {
	root := fs.Int64("site", 0, "Root page id of the site (default: every site and the event queue)")
	return func(ctx context.Context, a *app.App, out io.Writer) (int, int, error) {
		if *root != 0 {
			if _, err := a.Sites().GetSiteByRootPageID(*root); err != nil {
				return 0, 0, err
			}
			n, err := a.Queue().ResetErrorsBySite(ctx, *root)
			if err != nil {
				return 0, 0, err
			}
			fmt.Fprintf(out, "reset %d queue items\n", n)
			return int(n), 0, nil
		}

		items, err := a.Queue().ResetAllErrors(ctx)
		if err != nil {
			return 0, 0, err
		}
		events, err := a.EventQueue().ResetErrors(ctx)
		if err != nil {
			return 0, 0, err
		}
		fmt.Fprintf(out, "reset %d queue items and %d events\n", items, events)
		return int(items + events), 0, nil
	}
}

func sortedRoots[V any](m map[int64]V) []int64 {
	roots := make([]int64, 0, len(m))
	for r := range m {
		roots = append(roots, r)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}
