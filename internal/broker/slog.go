package broker

import "log/slog"

// SlogAdapter wraps a *slog.Logger to satisfy domain.Logger. The broker
// depends on the domain.Logger interface instead of slog directly so
// tests can substitute a fake without touching the global slog default.
type SlogAdapter struct {
	L *slog.Logger
}

func (a SlogAdapter) Error(msg string, args ...any) { a.L.Error(msg, args...) }
func (a SlogAdapter) Warn(msg string, args ...any)  { a.L.Warn(msg, args...) }
func (a SlogAdapter) Info(msg string, args ...any)  { a.L.Info(msg, args...) }
func (a SlogAdapter) Debug(msg string, args ...any) { a.L.Debug(msg, args...) }
