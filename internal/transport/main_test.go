package transport

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain asserts connection teardown leaves no reader/writer goroutine
// behind, the property this package's Teardown/ServeIngress exist to
// guarantee.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
