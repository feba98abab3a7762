// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/devbench-io/devbench/pkg/log"
)

// Environment the dev container is started with. The pod composer injects
// these variables; the bootstrap script and the native bootstrapper consume them.
const (
	// EnvAgentToken carries the agent's control plane credential. It is a
	// secret and must never be written to any log.
	EnvAgentToken = "DEVBENCH_AGENT_TOKEN"
	// EnvControlPlaneURL is the base URL of the control plane
	EnvControlPlaneURL = "DEVBENCH_CONTROL_PLANE_URL"
	// EnvBinaryURL is the URL the agent binary is downloaded from
	EnvBinaryURL = "DEVBENCH_AGENT_BINARY_URL"
)

// Exit statuses of the bootstrap process. They distinguish failure classes
// no retry can fix, so an orchestrating layer can alert differently than on
// transient download errors.
const (
	// ExitNoDownloader means not a single download tool exists in the container
	ExitNoDownloader = 127
	// ExitNotExecutable means the downloaded artifact could not be made executable
	ExitNotExecutable = 1
)

const (
	// DefaultRetryInterval is the fixed pause between download cycles
	DefaultRetryInterval = 30 * time.Second
	// DefaultHoldDuration is how long a fatally failed bootstrap stays alive
	// so an operator can attach and inspect the container
	DefaultHoldDuration = 24 * time.Hour
)

// FatalError is a bootstrap failure retrying cannot fix. Its status becomes
// the process exit status.
type FatalError struct {
	Status int
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (exit status %d)", e.Reason, e.Status)
}

// ExitStatus returns the process exit status this failure maps to
func (e *FatalError) ExitStatus() int {
	return e.Status
}

// outcome classifies one full pass over the downloader list
type outcome int

const (
	// outcomeFetched: some downloader produced the artifact
	outcomeFetched outcome = iota
	// outcomeNoDownloader: not a single downloader is present - fatal
	outcomeNoDownloader
	// outcomeFailed: at least one downloader is present but every transfer failed - transient
	outcomeFailed
)

// Options configures a bootstrap run. The zero value is completed by defaults;
// the function fields exist so tests can simulate tool availability, time and
// process replacement.
type Options struct {
	// BinaryURL is where the agent binary is fetched from
	BinaryURL string
	// Dest is the filesystem path the binary is written to
	Dest string
	// AgentArgs are handed to the agent binary, default ["agent"]
	AgentArgs []string
	// RetryInterval is the fixed pause between download cycles
	RetryInterval time.Duration
	// Downloaders are the strategies in preference order
	Downloaders []Downloader

	Sleep func(d time.Duration)
	Chmod func(name string, mode os.FileMode) error
	Exec  func(argv0 string, argv []string, envv []string) error
	Log   *logrus.Entry
}

func (opts *Options) applyDefaults() {
	if opts.Dest == "" {
		opts.Dest = filepath.Join(os.TempDir(), "devbench-agent")
	}
	if len(opts.AgentArgs) == 0 {
		opts.AgentArgs = []string{"agent"}
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Downloaders == nil {
		opts.Downloaders = Downloaders()
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Chmod == nil {
		opts.Chmod = os.Chmod
	}
	if opts.Exec == nil {
		opts.Exec = unix.Exec
	}
	if opts.Log == nil {
		opts.Log = log.Log
	}
}

// Run downloads the agent binary, makes it executable and replaces the
// current process with it. On success Run does not return. Any returned
// error is a failure; if it is a FatalError the caller must exit with its
// status after the inspection hold.
func Run(ctx context.Context, opts Options) error {
	opts.applyDefaults()

	err := download(ctx, &opts)
	if err != nil {
		return err
	}

	err = opts.Chmod(opts.Dest, 0755)
	if err != nil {
		return &FatalError{
			Status: ExitNotExecutable,
			Reason: fmt.Sprintf("cannot make %s executable: %v", opts.Dest, err),
		}
	}

	opts.Log.WithField("binary", opts.Dest).Info("handing over to the agent")
	argv := append([]string{filepath.Base(opts.Dest)}, opts.AgentArgs...)
	err = opts.Exec(opts.Dest, argv, os.Environ())
	if err != nil {
		// process replacement only returns on failure
		return xerrors.Errorf("cannot exec %s: %w", opts.Dest, err)
	}
	return nil
}

// download fetches the agent binary, retrying without upper bound: workspace
// startup races cluster DNS and network readiness, so transfer failures are
// treated as transient. A container without any download tool is a different
// class of problem and fails immediately.
func download(ctx context.Context, opts *Options) error {
	bo := backoff.NewConstantBackOff(opts.RetryInterval)
	for {
		res, lastErr := downloadCycle(ctx, opts)
		switch res {
		case outcomeFetched:
			return nil
		case outcomeNoDownloader:
			return &FatalError{
				Status: ExitNoDownloader,
				Reason: fmt.Sprintf("no download tool available (tried %s)", strings.Join(downloaderNames(opts.Downloaders), ", ")),
			}
		case outcomeFailed:
			opts.Log.WithError(lastErr).WithField("retryIn", opts.RetryInterval.String()).Warn("agent download failed, retrying")
			opts.Sleep(bo.NextBackOff())
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// downloadCycle walks the downloader list once, in order
func downloadCycle(ctx context.Context, opts *Options) (outcome, error) {
	var (
		sawTool bool
		lastErr error
	)
	for _, d := range opts.Downloaders {
		if err := d.Probe(); err != nil {
			continue
		}
		sawTool = true

		err := d.Fetch(ctx, opts.BinaryURL, opts.Dest)
		if err == nil {
			opts.Log.WithField("tool", d.Name).Info("agent binary downloaded")
			return outcomeFetched, nil
		}
		lastErr = xerrors.Errorf("%s: %w", d.Name, err)
	}

	if !sawTool {
		return outcomeNoDownloader, nil
	}
	return outcomeFailed, lastErr
}

func downloaderNames(ds []Downloader) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names
}
