package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"mquery/internal/config"
	"mquery/internal/provider"
	"mquery/internal/query"
	"mquery/internal/sample"
)

type options struct {
	provider    string
	hash        string
	action      string
	dir         string
	timeout     time.Duration
	concurrency int
	validate    bool
	archive     bool
	verbose     bool
	noColor     bool
	configFile  string
	printConfig bool
	addToConfig bool
	help        bool
}

func newFlagSet(opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("mquery", flag.ContinueOnError)
	fs.StringVar(&opts.provider, "provider", "all", providerUsage())
	fs.StringVar(&opts.hash, "hash", "", "The md5, sha1 or sha256 to search for or download")
	fs.StringVar(&opts.action, "action", "", "One of download, search, list, info, daily")
	fs.StringVar(&opts.dir, "dir", ".", "Directory downloaded samples and feeds are written to")
	fs.DurationVar(&opts.timeout, "timeout", provider.DefaultTimeout, "Timeout for each request")
	fs.IntVar(&opts.concurrency, "concurrency", 4, "Providers queried at once for info, list, search and daily")
	fs.BoolVar(&opts.validate, "validate", false, "Check the downloaded file against the requested hash and discard mismatches")
	fs.BoolVar(&opts.archive, "archive", false, "Store the downloaded sample in a zip encrypted with the password \""+sample.DefaultPassword+"\"")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log every provider exchange")
	fs.BoolVar(&opts.noColor, "nocolor", false, "Disable colored output")
	fs.StringVar(&opts.configFile, "configfile", "", "Path to the config file (default ~/"+config.FileName+")")
	fs.BoolVar(&opts.printConfig, "config", false, "Parse and print the config file")
	fs.BoolVar(&opts.addToConfig, "addtoconfig", false, "Add entry to the config file")
	fs.BoolVar(&opts.help, "help", false, "Print the help message")
	return fs
}

func providerUsage() string {
	var sb strings.Builder
	sb.WriteString("The service to query.\n  Must be one of:\n  - all\n")
	for _, t := range provider.Types() {
		fmt.Fprintf(&sb, "  - %s (%s)\n", t.FlagName(), t.DisplayName())
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func usage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(out, "mquery - query malware intelligence services for a hash")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "Usage: %s --action <action> [OPTIONS]\n", os.Args[0])
	fs.SetOutput(out)
	fs.PrintDefaults()
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Example Usage: mquery --action info")
	fmt.Fprintln(out, "Example Usage: mquery --provider vt --action search --hash <sha256>")
	fmt.Fprintln(out, "Example Usage: mquery --action download --hash <sha256> --validate --archive")
}

func newLogger(out io.Writer, verbose bool, noColor bool) *logrus.Entry {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true, DisableColors: noColor}
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(logger)
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, env map[string]string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	var opts options
	fs := newFlagSet(&opts)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, err)
		usage(stderr, fs)
		return 1
	}

	if opts.help {
		usage(stdout, fs)
		return 0
	}

	if opts.noColor {
		color.NoColor = true
	}
	log := newLogger(stderr, opts.verbose, opts.noColor || color.NoColor)

	configFile := opts.configFile
	if configFile == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.WithError(err).Warn("unable to locate the home directory, continuing without a config file")
		} else {
			configFile = path.Join(homeDir, config.FileName)
		}
	}

	if opts.addToConfig {
		if configFile == "" {
			fmt.Fprintln(stderr, "No config file location, use --configfile")
			return 1
		}
		if _, err := config.AddEntries(configFile, stdin, stdout, log); err != nil {
			log.WithError(err).Error("unable to update the config file")
			return 1
		}
		return 0
	}

	if opts.printConfig {
		if configFile == "" {
			fmt.Fprintln(stderr, "No config file location, use --configfile")
			return 1
		}
		entries, err := config.Load(configFile, log)
		if err != nil {
			log.WithError(err).Error("unable to read the config file")
			return 1
		}
		printConfig(stdout, configFile, entries)
		return 0
	}

	action, err := query.ParseAction(opts.action)
	if err != nil {
		fmt.Fprintln(stderr, err)
		usage(stderr, fs)
		return 1
	}
	scope, err := query.ParseScope(opts.provider)
	if err != nil {
		fmt.Fprintf(stderr, "%s\nCheck the help for the values to pass to the --provider parameter\n", err)
		return 1
	}
	if action.NeedsHash() {
		if opts.hash == "" {
			fmt.Fprintf(stderr, "--hash is required for %s\n", action)
			usage(stderr, fs)
			return 1
		}
		if _, err := sample.TypeOf(opts.hash); err != nil {
			fmt.Fprintf(stderr, "Invalid hash %s: %s\n", opts.hash, err)
			return 1
		}
	}

	var entries []config.RepositoryConfigEntry
	if configFile != "" {
		entries, err = config.Load(configFile, log)
		if err != nil {
			log.WithError(err).Warn("ignoring unreadable config file")
			entries = nil
		}
	}

	if action != query.ActionInfo && action != query.ActionSearch {
		if err := os.MkdirAll(opts.dir, 0755); err != nil {
			log.WithError(err).Errorf("unable to create %s", opts.dir)
		}
	}

	providers := query.Select(env, scope, entries, query.DefaultRegistrations(), provider.Options{
		Timeout: opts.timeout,
		Logger:  log,
	}, log)
	dispatcher := query.New(providers, query.Options{
		Dir:         opts.dir,
		Concurrency: opts.concurrency,
		Validate:    opts.validate,
		Archive:     opts.archive,
		Logger:      log,
	})

	out := printer{out: stdout}
	out.banner(action, scope, opts.hash, dispatcher.Providers())
	out.report(dispatcher.Dispatch(ctx, action, opts.hash))
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	code := run(ctx, os.Args[1:], query.EnvMap(os.Environ()), os.Stdin, color.Output, os.Stderr)
	stop()
	os.Exit(code)
}
