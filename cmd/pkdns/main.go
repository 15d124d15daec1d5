// Command pkdns runs a recursive DNS server that resolves pkarr
// (self-sovereign, DHT-published) names and ICANN names from a single UDP
// endpoint, with optional DNS-over-HTTP.
//
// CLI flag wiring (both short and long spellings bound to the same
// variable): no pack repo carries a POSIX getopt-style flag library (see
// DESIGN.md), so each flag is registered twice against the stdlib flag
// package, in the manually-parsed-cliFlags-struct style of
// jroosing-HydraDNS/cmd/hydradns/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pkdns/pkdns/internal/config"
	"github.com/pkdns/pkdns/internal/dispatch"
)

const version = "0.1.0"

type cliFlags struct {
	forward    string
	socket     string
	verbose    bool
	cacheTTL   int
	threads    int
	directory  string
	configPath string
	trace      bool
	help       bool
	showVer    bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("pkdns", flag.ContinueOnError)

	fs.StringVar(&f.configPath, "config", "", "path to a TOML config file")

	for _, name := range []string{"f", "forward"} {
		fs.StringVar(&f.forward, name, "", "upstream ICANN resolver address")
	}
	for _, name := range []string{"s", "socket"} {
		fs.StringVar(&f.socket, name, "", "UDP bind address")
	}
	for _, name := range []string{"v", "verbose"} {
		fs.BoolVar(&f.verbose, name, false, "increase log detail")
	}
	fs.IntVar(&f.cacheTTL, "cache-ttl", 0, "shorthand: set min_ttl and max_ttl to this many seconds")
	fs.IntVar(&f.threads, "threads", 0, "worker-pool size")
	for _, name := range []string{"d", "directory"} {
		fs.StringVar(&f.directory, name, "", "pknames directory (opaque to this server)")
	}
	fs.BoolVar(&f.trace, "trace", false, "dump per-query backend-lookup traces at debug log level")
	for _, name := range []string{"h", "help"} {
		fs.BoolVar(&f.help, name, false, "show this help and exit")
	}
	for _, name := range []string{"V", "version"} {
		fs.BoolVar(&f.showVer, name, false, "print the version and exit")
	}

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}

	return f, nil
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.forward != "" {
		cfg.Forward = f.forward
	}
	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.verbose {
		cfg.Verbose = true
	}
	if f.cacheTTL > 0 {
		cfg.ApplyCacheTTL(f.cacheTTL)
	}
	if f.threads > 0 {
		cfg.Threads = f.threads
	}
	if f.directory != "" {
		cfg.Directory = f.directory
	}
	if f.trace {
		cfg.Trace = true
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if f.help {
		fmt.Fprintln(os.Stderr, "usage: pkdns [-f upstream] [-s socket] [-v] [--cache-ttl seconds] [--threads n] [-d directory] [--config file] [--trace]")
		return 0
	}
	if f.showVer {
		fmt.Println("pkdns " + version)
		return 0
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	applyCLIOverrides(&cfg, f)

	if cfg.Forward == "" {
		forward, err := config.DiscoverSystemForward()
		if err != nil {
			fmt.Fprintln(os.Stderr, "no forward configured and system resolver discovery failed:", err)
			return 1
		}
		cfg.Forward = forward
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	srv, err := dispatch.NewServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize server")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return 1
	}

	return 0
}
