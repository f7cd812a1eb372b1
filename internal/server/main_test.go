package server

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain asserts every goroutine this package's lifecycle spawns
// (monitors, accept loop, election loop) is gone by the time a test
// finishes, following the teacher's own goleak-gated test harness.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
