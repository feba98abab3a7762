// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package bootstrap

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

// Downloader is one strategy for fetching the agent binary. During a download
// cycle the strategies are tried in the order of Downloaders(); the first
// successful fetch wins.
type Downloader struct {
	// Name identifies the strategy in logs and error messages
	Name string
	// Probe reports whether the strategy is usable in this container
	Probe func() error
	// Fetch downloads url to dest, overwriting dest
	Fetch func(ctx context.Context, url, dest string) error
}

// Downloaders returns the default strategies in preference order:
// curl, then wget, then the busybox wget applet.
func Downloaders() []Downloader {
	return []Downloader{
		commandDownloader("curl", "curl", func(url, dest string) []string {
			return []string{"curl", "-fsSL", "-o", dest, url}
		}),
		commandDownloader("wget", "wget", func(url, dest string) []string {
			return []string{"wget", "-q", "-O", dest, url}
		}),
		commandDownloader("busybox wget", "busybox", func(url, dest string) []string {
			return []string{"busybox", "wget", "-q", "-O", dest, url}
		}),
	}
}

func commandDownloader(name, command string, argv func(url, dest string) []string) Downloader {
	return Downloader{
		Name: name,
		Probe: func() error {
			_, err := exec.LookPath(command)
			return err
		},
		Fetch: func(ctx context.Context, url, dest string) error {
			args := argv(url, dest)
			cmd := exec.CommandContext(ctx, args[0], args[1:]...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Pdeathsig: syscall.SIGKILL,
			}
			return cmd.Run()
		},
	}
}
