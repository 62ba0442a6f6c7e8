package nn

import (
	"testing"

	"go.uber.org/goleak"
)

// The conv kernels fan out over errgroup workers; make sure none outlive a call.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
