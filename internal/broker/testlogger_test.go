package broker

import "testing"

// testLogger forwards to testing.T.Logf so failures show worker/pool
// diagnostics without polluting stdout on a passing run.
type testLogger struct{ t *testing.T }

func (l testLogger) Error(msg string, args ...any) { l.t.Logf("ERROR "+msg, args...) }
func (l testLogger) Warn(msg string, args ...any)  { l.t.Logf("WARN "+msg, args...) }
func (l testLogger) Info(msg string, args ...any)  { l.t.Logf("INFO "+msg, args...) }
func (l testLogger) Debug(msg string, args ...any) { l.t.Logf("DEBUG "+msg, args...) }
