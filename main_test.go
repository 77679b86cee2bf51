package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"npmmirror/pkg/syncer"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "sync", "worker"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, cmd, err)
		}
	}
	if flag := root.PersistentFlags().Lookup("config"); flag == nil || flag.DefValue != "config.yaml" {
		t.Fatalf("expected config flag with default config.yaml")
	}
	worker, _, _ := root.Find([]string{"worker"})
	if worker.Flags().Lookup("river") == nil {
		t.Fatalf("expected --river flag on worker")
	}
}

func TestPrintReport(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	report := syncer.Report{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Repositories: []syncer.RepositoryReport{
			{Repository: "acme/widgets", Commits: 3, Accepted: 2, Skipped: 1},
			{Repository: "acme/empty", Absent: true},
			{Repository: "acme/broken", Err: errors.New("boom")},
		},
	}

	var out bytes.Buffer
	printReport(&out, report)
	text := out.String()
	for _, want := range []string{"Repository", "Downloaded", "acme/widgets", "no manifest", "boom", "╭", "╰", "run run-1: 3 repositories, 2 versions accepted in 1.5s"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestSyncFailsOnMissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"sync", "--config", t.TempDir() + "/missing.yaml"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected load config error, got %v", err)
	}
}
