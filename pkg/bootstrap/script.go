// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package bootstrap

import (
	"bytes"
	"text/template"

	"golang.org/x/xerrors"
)

// EditorPort is the pod-local port code-server listens on. The exposed
// application record points at this port.
const EditorPort = 13337

// scriptTemplate is the dev container's entrypoint. It mirrors the control
// flow of Run: launch the editor detached, fetch the agent binary with
// unbounded retries, distinguish missing-tool and permission failures from
// transient transfer errors, then replace the shell with the agent.
//
// A fatal failure does not exit immediately: the script holds the container
// for a long window first so an operator can attach and inspect it.
const scriptTemplate = `#!/bin/sh
# devbench workspace bootstrap
set -u

BINARY_URL="${` + EnvBinaryURL + `}"
BINARY_PATH="${TMPDIR:-/tmp}/{{ .BinaryName }}"
BOOTSTRAP_LOG="${TMPDIR:-/tmp}/devbench-bootstrap.log"

note() {
	echo "devbench: $*" | tee -a "$BOOTSTRAP_LOG"
}

fatal() {
	status=$1
	shift
	note "fatal: $*"
	note "holding the container for {{ .HoldSeconds }}s for inspection"
	sleep {{ .HoldSeconds }}
	exit "$status"
}

# install and launch the editor, detached, logs redirected
if ! command -v code-server >/dev/null 2>&1; then
	curl -fsSL https://code-server.dev/install.sh | sh >"${TMPDIR:-/tmp}/code-server-install.log" 2>&1
fi
code-server --auth none --port {{ .EditorPort }} >"${TMPDIR:-/tmp}/code-server.log" 2>&1 &

# one pass over the download tools in preference order:
# 0 = fetched, 10 = no tool present at all, 11 = tool present but transfer failed
attempt_download() {
	result=10
	if command -v curl >/dev/null 2>&1; then
		result=11
		curl -fsSL -o "$BINARY_PATH" "$BINARY_URL" && return 0
		note "curl failed"
	fi
	if command -v wget >/dev/null 2>&1; then
		result=11
		wget -q -O "$BINARY_PATH" "$BINARY_URL" && return 0
		note "wget failed"
	fi
	if command -v busybox >/dev/null 2>&1; then
		result=11
		busybox wget -q -O "$BINARY_PATH" "$BINARY_URL" && return 0
		note "busybox wget failed"
	fi
	return "$result"
}

while :; do
	attempt_download && break
	if [ "$?" -eq 10 ]; then
		fatal 127 "no download tool available (tried curl, wget, busybox)"
	fi
	note "agent download failed, retrying in {{ .RetrySeconds }}s"
	sleep {{ .RetrySeconds }}
done

chmod +x "$BINARY_PATH" || fatal 1 "cannot make $BINARY_PATH executable"

note "starting agent"
exec "$BINARY_PATH" agent
`

var scriptTmpl = template.Must(template.New("bootstrap").Parse(scriptTemplate))

type scriptData struct {
	BinaryName   string
	EditorPort   int
	RetrySeconds int
	HoldSeconds  int
}

// RenderScript produces the bootstrap script for the given agent binary name.
// The script expects the environment the pod composer injects, in particular
// the binary download URL.
func RenderScript(binaryName string) (string, error) {
	var buf bytes.Buffer
	err := scriptTmpl.Execute(&buf, scriptData{
		BinaryName:   binaryName,
		EditorPort:   EditorPort,
		RetrySeconds: int(DefaultRetryInterval.Seconds()),
		HoldSeconds:  int(DefaultHoldDuration.Seconds()),
	})
	if err != nil {
		return "", xerrors.Errorf("cannot render bootstrap script: %w", err)
	}
	return buf.String(), nil
}
