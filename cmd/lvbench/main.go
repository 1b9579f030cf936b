// Command lvbench builds, runs and supervises the LVGL benchmark on
// development boards.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/deixis/lvbench"
	"github.com/deixis/lvbench/internal/board"
	"github.com/deixis/lvbench/internal/config"
	"github.com/deixis/lvbench/internal/logging"
	lvmcp "github.com/deixis/lvbench/internal/mcp"
	"github.com/deixis/lvbench/internal/report"
	"github.com/deixis/lvbench/internal/runner"
	"github.com/deixis/lvbench/internal/workflow"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("lvbench: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "build", "run", "kill":
		err = actionMain(cmd, args)
	case "show":
		err = showMain(args)
	case "history":
		err = historyMain(args)
	case "boards":
		err = boardsMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(lvbench.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "lvbench: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	var failed errFailed
	if errors.As(err, &failed) {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: lvbench <command> [flags] [args]

Commands:
  build <board> <config>   Build the benchmark
  run <board> <config>     Flash or deploy the build and capture the benchmark output
  kill <board> <config>    Stop the benchmark on a board
  show <record-id>         Show a stored result
  history [board]          List stored results
  boards                   List known boards
  mcp                      Start the MCP server
  version                  Print the version
  help                     Show this help

Use "lvbench <command> -h" for command-specific flags.`)
}

// errFailed reports an action that ran but did not pass. Its summary has
// already been printed.
type errFailed struct{ status report.Status }

func (e errFailed) Error() string { return string(e.status) }

// options are the flags shared by every command that loads the config.
type options struct {
	verbose bool
	quiet   bool
	jsonOut bool
	timeout time.Duration

	// run only
	sentinel    string
	readTimeout time.Duration
	gracePeriod time.Duration
	killWait    time.Duration
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "do not echo toolchain output")
	fs.BoolVar(&o.jsonOut, "json", false, "print the result record as JSON")
	fs.DurationVar(&o.timeout, "timeout", 0, "override the configured toolchain command timeout (e.g. 45m)")
}

func (o *options) addSessionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.sentinel, "sentinel", "", `override the completion marker (default "Benchmark Over")`)
	fs.DurationVar(&o.readTimeout, "read-timeout", 0, "override the silence allowed between output lines")
	fs.DurationVar(&o.gracePeriod, "grace-period", 0, "override the time a stopped benchmark gets before it is killed")
	fs.DurationVar(&o.killWait, "kill-wait", 0, "override the time allowed for a killed benchmark to exit")
}

// apply writes flag overrides into cfg.
func (o *options) apply(cfg *config.Config) {
	if o.timeout > 0 {
		cfg.RawTimeout = o.timeout.String()
	}
	if o.sentinel != "" {
		cfg.Session.RawSentinel = o.sentinel
	}
	if o.readTimeout > 0 {
		cfg.Session.RawReadTimeout = o.readTimeout.String()
	}
	if o.gracePeriod > 0 {
		cfg.Session.RawGracePeriod = o.gracePeriod.String()
	}
	if o.killWait > 0 {
		cfg.Session.RawKillWait = o.killWait.String()
	}
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}
	return nil
}

// --- build, run, kill ---

func actionMain(cmd string, args []string) error {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	var opts options
	opts.addFlags(fs)
	if cmd == "run" {
		opts.addSessionFlags(fs)
	}
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: lvbench %s <board> <config>", cmd)
	}
	target := board.Target{Board: fs.Arg(0), Config: fs.Arg(1)}

	// SIGINT and SIGTERM cancel the action. A running session treats
	// this as its stop request and tears the benchmark down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var echo io.Writer = os.Stderr
	if opts.quiet || opts.jsonOut {
		echo = nil
	}
	eng, _, err := newEngine(&opts, echo)
	if err != nil {
		return err
	}

	var rr *report.RunResult
	switch cmd {
	case "build":
		rr, err = eng.Build(ctx, target)
	case "run":
		rr, err = eng.Run(ctx, target)
	case "kill":
		rr, err = eng.Kill(ctx, target)
	}
	if rr == nil {
		return fmt.Errorf("%s %s: %w", cmd, target, err)
	}
	if err != nil {
		log.Printf("warning: %v", err)
	}

	if err := printResult(rr, opts.jsonOut); err != nil {
		return err
	}
	if !rr.Passed() {
		return errFailed{rr.Status}
	}
	return nil
}

func printResult(rr *report.RunResult, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rr)
	}
	fmt.Print(workflow.Summary(rr))
	return nil
}

// --- show ---

func showMain(args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	var opts options
	opts.addFlags(fs)
	grep := fs.String("grep", "", "print only output lines containing this text")
	tail := fs.Int("tail", 0, "print the last n output lines")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lvbench show <record-id>")
	}

	eng, _, err := newEngine(&opts, nil)
	if err != nil {
		return err
	}
	rr, err := eng.Show(fs.Arg(0))
	if err != nil {
		return err
	}

	switch {
	case *grep != "":
		printLines(report.Grep(rr, *grep))
	case *tail > 0:
		printLines(report.Tail(rr, *tail))
	default:
		return printResult(rr, opts.jsonOut)
	}
	return nil
}

func printLines(lines []report.Line) {
	for _, l := range lines {
		fmt.Printf("%5d  %s\n", l.Number, l.Text)
	}
}

// --- history ---

func historyMain(args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	var opts options
	opts.addFlags(fs)
	limit := fs.IntP("limit", "n", 20, "maximum number of results")
	if err := parse(fs, args); err != nil {
		return err
	}

	eng, _, err := newEngine(&opts, nil)
	if err != nil {
		return err
	}
	results, err := eng.History(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(results) > *limit && *limit > 0 {
		results = results[:*limit]
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, r := range results {
		fmt.Printf("%s  %s  %-5s %-9s %s/%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.ID, r.Kind, r.Status, r.Board, r.Config)
	}
	return nil
}

// --- boards ---

func boardsMain(args []string) error {
	fs := pflag.NewFlagSet("boards", pflag.ContinueOnError)
	var opts options
	opts.addFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}

	eng, workspace, err := newEngine(&opts, nil)
	if err != nil {
		return err
	}
	fmt.Printf("workspace: %s\n", workspace)
	for _, name := range eng.Boards.Names() {
		fmt.Println(name)
	}
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	var opts options
	opts.addFlags(fs)
	opts.addSessionFlags(fs)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	if err := parse(fs, args); err != nil {
		return err
	}

	if *instructions {
		fmt.Print(lvmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the MCP transport; toolchain output is not echoed.
	eng, workspace, err := newEngine(&opts, nil)
	if err != nil {
		return err
	}
	server := lvmcp.NewServer(eng, workspace)

	if *httpAddr != "" {
		return serveHTTP(ctx, server, *httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- shared ---

func newEngine(opts *options, echo io.Writer) (*workflow.Engine, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(cwd)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid flags: %w", err)
	}
	workspace := loaded.Workspace

	logger := logging.Stderr(opts.verbose)
	if loaded.Path != "" {
		logger.Debug("loaded config", "path", loaded.Path, "workspace", workspace)
	}

	codec, err := report.ParseCodec(cfg.Store.Compression)
	if err != nil {
		return nil, "", err
	}
	resultsDir := cfg.ResultsDir(workspace)
	store := report.NewLRUStore(cfg.Store.CacheSize(),
		report.NewDiskStore(filepath.Join(resultsDir, "runs"), codec))

	r := &runner.Runner{
		Workspace:   workspace,
		Timeout:     cfg.Timeout(),
		MaxOutput:   cfg.MaxOutputBytes(),
		GracePeriod: cfg.Session.GracePeriod(),
		Echo:        echo,
	}

	env := &board.Env{
		Runner:    r,
		Config:    cfg,
		Workspace: workspace,
		Logger:    logger,
	}
	return &workflow.Engine{
		Config:  cfg,
		Boards:  board.NewRegistry(env),
		Store:   store,
		Results: &report.ResultFiles{Dir: resultsDir},
		Logger:  logger,
	}, workspace, nil
}
