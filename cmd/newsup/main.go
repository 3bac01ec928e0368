// newsup posts files to a Usenet server as yEnc articles and verifies that
// every article arrived.
//
// Usage:
//
//	newsup [flags] FILE...
//
// Exit status: 0 when every article was posted (and verified), 32 when the
// run completed with skipped or failed articles, 33 when it was aborted,
// 1 on usage or configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"newsup/internal/app"
	"newsup/internal/config"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("newsup", pflag.ContinueOnError)
	fs.SortFlags = false
	var (
		cfgPath     = fs.StringP("config", "c", "", "config file (JSON or YAML); reloaded live for logging and progress")
		showVersion = fs.Bool("version", false, "print version and exit")
		noColor     = fs.Bool("no-color", false, "disable colored console logs")
	)
	ov := registerOverrides(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: newsup [flags] FILE...\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return app.ExitOK
		}
		return app.ExitUsage
	}
	if *showVersion {
		fmt.Println("newsup", version)
		return app.ExitOK
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return app.ExitUsage
	}

	a, err := app.New(app.Options{
		ConfigPath: *cfgPath,
		Files:      fs.Args(),
		Overlay:    func(c *config.Config) { ov.apply(fs, c) },
		NoColor:    *noColor || !isatty.IsTerminal(os.Stderr.Fd()),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsup: %v\n", err)
		return app.ExitUsage
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.Run(ctx)
	return app.ExitCode(res, err)
}
