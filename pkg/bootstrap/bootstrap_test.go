// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package bootstrap

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"
)

// fakeTool simulates a download tool. Fetch errors are consumed per call;
// once the list is exhausted every further fetch succeeds.
type fakeTool struct {
	name      string
	available bool
	fetchErrs []error

	probes  *[]string
	fetches int
}

func (f *fakeTool) downloader() Downloader {
	return Downloader{
		Name: f.name,
		Probe: func() error {
			*f.probes = append(*f.probes, f.name)
			if !f.available {
				return xerrors.Errorf("%s not found", f.name)
			}
			return nil
		},
		Fetch: func(ctx context.Context, url, dest string) error {
			f.fetches++
			if len(f.fetchErrs) > 0 {
				err := f.fetchErrs[0]
				f.fetchErrs = f.fetchErrs[1:]
				return err
			}
			return nil
		},
	}
}

type testRun struct {
	probes []string
	sleeps []time.Duration
	chmods []string
	execs  [][]string

	opts Options
}

func newTestRun(tools ...*fakeTool) *testRun {
	run := &testRun{}
	downloaders := make([]Downloader, 0, len(tools))
	for _, tool := range tools {
		tool.probes = &run.probes
		downloaders = append(downloaders, tool.downloader())
	}
	run.opts = Options{
		BinaryURL:   "https://devbench.example.com/bin/devbench-agent",
		Dest:        "/tmp/devbench-agent",
		Downloaders: downloaders,
		Sleep: func(d time.Duration) {
			run.sleeps = append(run.sleeps, d)
		},
		Chmod: func(name string, mode os.FileMode) error {
			run.chmods = append(run.chmods, name)
			return nil
		},
		Exec: func(argv0 string, argv []string, envv []string) error {
			run.execs = append(run.execs, append([]string{argv0}, argv...))
			return nil
		},
	}
	return run
}

func TestRunFixedToolOrder(t *testing.T) {
	// [unavailable, unavailable, available-but-fails, available-succeeds]
	a := &fakeTool{name: "a"}
	b := &fakeTool{name: "b"}
	c := &fakeTool{name: "c", available: true, fetchErrs: []error{xerrors.Errorf("connection refused")}}
	d := &fakeTool{name: "d", available: true}
	run := newTestRun(a, b, c, d)

	err := Run(context.Background(), run.opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// every tool probed once, in declaration order
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, run.probes); diff != "" {
		t.Errorf("unexpected probe order (-want +got):\n%s", diff)
	}
	if c.fetches != 1 || d.fetches != 1 {
		t.Errorf("unexpected fetch counts: c=%d d=%d", c.fetches, d.fetches)
	}
	// success within the first cycle: the backoff path is never entered
	if len(run.sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", run.sleeps)
	}
	if len(run.execs) != 1 {
		t.Fatalf("expected one exec, got %d", len(run.execs))
	}
	if diff := cmp.Diff([]string{"/tmp/devbench-agent", "devbench-agent", "agent"}, run.execs[0]); diff != "" {
		t.Errorf("unexpected exec (-want +got):\n%s", diff)
	}
}

func TestRunRetriesWholeSequence(t *testing.T) {
	missing := &fakeTool{name: "missing"}
	flaky := &fakeTool{name: "flaky", available: true, fetchErrs: []error{
		xerrors.Errorf("timeout"),
		xerrors.Errorf("connection reset"),
	}}
	run := newTestRun(missing, flaky)

	err := Run(context.Background(), run.opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// two failed cycles, then success: each cycle restarts at the first tool
	want := []string{"missing", "flaky", "missing", "flaky", "missing", "flaky"}
	if diff := cmp.Diff(want, run.probes); diff != "" {
		t.Errorf("unexpected probe order (-want +got):\n%s", diff)
	}
	if flaky.fetches != 3 {
		t.Errorf("expected 3 fetch attempts, got %d", flaky.fetches)
	}
	if diff := cmp.Diff([]time.Duration{DefaultRetryInterval, DefaultRetryInterval}, run.sleeps); diff != "" {
		t.Errorf("unexpected backoff sleeps (-want +got):\n%s", diff)
	}
}

func TestRunNoDownloaderAvailable(t *testing.T) {
	a := &fakeTool{name: "a"}
	b := &fakeTool{name: "b"}
	run := newTestRun(a, b)

	err := Run(context.Background(), run.opts)
	var fatal *FatalError
	if !xerrors.As(err, &fatal) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
	if fatal.ExitStatus() != ExitNoDownloader {
		t.Errorf("expected exit status %d, got %d", ExitNoDownloader, fatal.ExitStatus())
	}
	// a missing capability is not transient: the backoff path is never entered
	if len(run.sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", run.sleeps)
	}
	if len(run.execs) != 0 {
		t.Errorf("unexpected exec: %v", run.execs)
	}
}

func TestRunChmodFailure(t *testing.T) {
	tool := &fakeTool{name: "curl", available: true}
	run := newTestRun(tool)
	run.opts.Chmod = func(name string, mode os.FileMode) error {
		return xerrors.Errorf("read-only file system")
	}

	err := Run(context.Background(), run.opts)
	var fatal *FatalError
	if !xerrors.As(err, &fatal) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
	if fatal.ExitStatus() != ExitNotExecutable {
		t.Errorf("expected exit status %d, got %d", ExitNotExecutable, fatal.ExitStatus())
	}
	// a permission failure must not trigger a re-download
	if tool.fetches != 1 {
		t.Errorf("expected exactly one fetch, got %d", tool.fetches)
	}
	if len(run.execs) != 0 {
		t.Errorf("unexpected exec: %v", run.execs)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broken := &fakeTool{name: "broken", available: true, fetchErrs: []error{
		xerrors.Errorf("no route to host"),
		xerrors.Errorf("no route to host"),
		xerrors.Errorf("no route to host"),
	}}
	run := newTestRun(broken)
	run.opts.Sleep = func(d time.Duration) {
		cancel()
	}

	err := Run(ctx, run.opts)
	if !xerrors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestDefaultDownloaderOrder(t *testing.T) {
	names := downloaderNames(Downloaders())
	if diff := cmp.Diff([]string{"curl", "wget", "busybox wget"}, names); diff != "" {
		t.Errorf("unexpected downloader order (-want +got):\n%s", diff)
	}
}
