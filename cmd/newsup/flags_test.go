package main

import (
	"testing"

	"github.com/spf13/pflag"

	"newsup/internal/config"
)

func TestOverridesApplyOnlyChangedFlags(t *testing.T) {
	t.Parallel()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o := registerOverrides(fs)
	if err := fs.Parse([]string{"-n", "6", "--host=news.example.com", "--skip-errors", "timeout,network", "-o", "out.sqlite", "a.bin"}); err != nil {
		t.Fatal(err)
	}

	three := 3
	c := &config.Config{Server: config.ServerConfig{Host: "file.example.com", User: "keep", Connections: &three}}
	o.apply(fs, c)

	if c.Server.Host != "news.example.com" || c.Server.User != "keep" {
		t.Fatalf("server = %+v", c.Server)
	}
	if c.Server.Connections == nil || *c.Server.Connections != 6 || three != 3 {
		t.Fatalf("connections = %v (original pointer now %d)", c.Server.Connections, three)
	}
	if c.Check.Connections != nil || c.PostErrorLimit != nil {
		t.Fatal("unset flags were applied")
	}
	if len(c.SkipErrors) != 2 || c.SkipErrors[1] != "network" {
		t.Fatalf("skip errors = %v", c.SkipErrors)
	}
	if c.Output.Driver != "sqlite" || c.Output.Path != "out.sqlite" {
		t.Fatalf("output = %+v", c.Output)
	}
	if fs.NArg() != 1 {
		t.Fatalf("positional args = %v", fs.Args())
	}
}

func TestOutputDriver(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]string{
		"":                  "none",
		"run.jsonl":         "file",
		"results/run":       "file",
		"run.db":            "sqlite",
		"/var/lib/r.SQLITE": "sqlite",
	} {
		if got := outputDriver(path); got != want {
			t.Fatalf("outputDriver(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRunUsageErrors(t *testing.T) {
	t.Parallel()
	if code := run([]string{"--no-such-flag"}); code != 1 {
		t.Fatalf("unknown flag exit = %d", code)
	}
	if code := run(nil); code != 1 {
		t.Fatalf("no files exit = %d", code)
	}
	if code := run([]string{"--version"}); code != 0 {
		t.Fatalf("--version exit = %d", code)
	}
}

func TestRetryFlags(t *testing.T) {
	t.Parallel()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o := registerOverrides(fs)
	if err := fs.Parse([]string{"--keep-message-id", "--dump-failed-posts", "failed/"}); err != nil {
		t.Fatal(err)
	}
	c := &config.Config{}
	o.apply(fs, c)
	if !c.KeepMessageID || c.DumpFailedPosts != "failed/" {
		t.Fatalf("config = keep %v, dump %q", c.KeepMessageID, c.DumpFailedPosts)
	}
}
