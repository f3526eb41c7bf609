// Package svcfields tags loggers with the subsystem that emits them.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log field under which subsystem names are recorded.
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem returns logger tagged with the given subsystem name. A nil
// logger yields a noop logger; an empty name returns logger unchanged.
func WithSubsystem(logger pslog.Logger, name string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	name = strings.Trim(name, ". ")
	if name == "" {
		return logger
	}
	return logger.With(SubsystemKey, name)
}
