package util

import (
	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the process root logger. Components derive their own via
// Named; an unknown level falls back to hclog's default (info).
func NewLogger(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(level),
	})
}
