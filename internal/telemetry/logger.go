// Package telemetry provides the shared structured logger used across the
// fabric's components, following the same sirupsen/logrus idiom the
// reference corpus uses for peer and node logging: one base logger
// configured once at process startup, with per-component child entries
// carrying stable fields.
package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Configure sets the process-wide logging level and output format. jsonOut
// selects logrus's JSONFormatter, matching the structured-logging option
// most long-running peers want when output is captured by a supervisor
// rather than read on a terminal.
func Configure(level logrus.Level, jsonOut bool, out io.Writer) {
	base.SetLevel(level)
	if out != nil {
		base.SetOutput(out)
	}
	if jsonOut {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// For returns a logger scoped to a named component, e.g. For("discovery")
// or For("coordinator"). Every entry produced from it carries
// component=<name> so log lines can be filtered per subsystem.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
