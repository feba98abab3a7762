// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/devbench-io/devbench/pkg/bootstrap"
)

// AgentSession carries the credentials and bootstrap material for one
// workspace's agent. It is minted fresh on every reconciliation.
//
// The token never leaves the pod environment: it is excluded from JSON
// serialization and must not be logged.
type AgentSession struct {
	ID         string `json:"id"`
	Token      string `json:"-"`
	InitScript string `json:"-"`
}

// newAgentSession mints a new session for the given agent binary.
func newAgentSession(binaryName string) (*AgentSession, error) {
	token, err := getRandomString(32)
	if err != nil {
		return nil, xerrors.Errorf("cannot create agent token: %w", err)
	}
	script, err := bootstrap.RenderScript(binaryName)
	if err != nil {
		return nil, err
	}

	return &AgentSession{
		ID:         uuid.New().String(),
		Token:      token,
		InitScript: script,
	}, nil
}

// validCookieChars contains all characters which may occur in an HTTP Cookie value (unicode ! through ~),
// without the characters , ; and / ... I did not find more details about permissible characters in RFC2965, so I took
// this list of permissible chars from Wikipedia.
//
// The tokens we produce here are likely placed in cookies or transmitted via HTTP.
// To make the lifes of downstream users easier we'll try and play nice here w.r.t. to the characters used.
var validCookieChars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_-.")

func getRandomString(length int) (string, error) {
	b := make([]byte, length)
	n, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	if n != length {
		return "", io.ErrShortWrite
	}

	lrsc := len(validCookieChars)
	for i, c := range b {
		b[i] = validCookieChars[int(c)%lrsc]
	}
	return string(b), nil
}
