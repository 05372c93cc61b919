// Package testutil holds helpers shared by the fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	MaxFuzzBytes = 1 << 16
	FuzzTimeout  = 200 * time.Millisecond
)

// Bounded truncates data to MaxFuzzBytes and fails t when fn does not
// return within FuzzTimeout.
func Bounded(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	if len(data) > MaxFuzzBytes {
		data = data[:MaxFuzzBytes]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	select {
	case <-done:
	case <-time.After(FuzzTimeout):
		t.Fatalf("decoder did not return within %s on %d bytes", FuzzTimeout, len(data))
	}
}
