// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package log

import (
	"os"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

const (
	// OwnerField is the log field name of a workspace owner
	OwnerField = "owner"
	// WorkspaceField is the log field name of a workspace
	WorkspaceField = "workspace"
)

// OW builds a structure meant for logrus which identifies a workspace by its owner and name.
// The agent token must never travel through these fields.
func OW(owner, workspace string) log.Fields {
	return log.Fields{
		OwnerField:     owner,
		WorkspaceField: workspace,
	}
}

// ServiceContext identifies the logging service in every entry.
type ServiceContext struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Log is the application wide console logger
var Log = log.WithFields(log.Fields{})

// WithField is a shorthand for Log.WithField
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// WithFields is a shorthand for Log.WithFields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithError is a shorthand for Log.WithError
func WithError(err error) *logrus.Entry {
	return Log.WithError(err)
}

// WithOW is a shorthand for Log.WithFields(OW(owner, workspace))
func WithOW(owner, workspace string) *logrus.Entry {
	return Log.WithFields(OW(owner, workspace))
}

// Debug is a shorthand for Log.Debug
func Debug(args ...interface{}) {
	Log.Debug(args...)
}

// Info is a shorthand for Log.Info
func Info(args ...interface{}) {
	Log.Info(args...)
}

// Warn is a shorthand for Log.Warn
func Warn(args ...interface{}) {
	Log.Warn(args...)
}

// Error is a shorthand for Log.Error
func Error(args ...interface{}) {
	Log.Error(args...)
}

// Fatal is a shorthand for Log.Fatal
func Fatal(args ...interface{}) {
	Log.Fatal(args...)
}

// setup default log level for commands without initial invocation of log.Init.
func init() {
	logLevelFromEnv()
}

func logLevelFromEnv() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return
	}

	newLevel, err := logrus.ParseLevel(level)
	if err == nil {
		Log.Logger.SetLevel(newLevel)
	}
}

// Init initializes/configures the application-wide logger
func Init(service, version string, json, verbose bool) {
	Log = log.WithFields(log.Fields{
		"serviceContext": ServiceContext{service, version},
	})

	if json {
		Log.Logger.SetFormatter(&log.JSONFormatter{
			FieldMap: log.FieldMap{
				log.FieldKeyMsg: "message",
			},
		})
	} else {
		Log.Logger.SetFormatter(&logrus.TextFormatter{})
	}

	// update default log level
	logLevelFromEnv()

	if verbose {
		Log.Logger.SetLevel(log.DebugLevel)
	}
}
