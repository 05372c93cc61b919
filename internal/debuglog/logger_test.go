package debuglog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetupFileAndLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.log")
	closer := Setup(Options{File: path, MaxSizeMB: 1, Debug: true})
	t.Cleanup(func() { Setup(Options{}) })

	Component("home").Info("session opened", "profile", "abc")
	Debugf("debug %d", 1)
	RateLimitedf("k", time.Hour, "limited %d", 1)
	RateLimitedf("k", time.Hour, "limited %d", 2)
	if err := closer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	out := string(data)
	for _, want := range []string{"component=home", "session opened", "debug 1", "limited 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "limited 2") {
		t.Fatalf("rate limited line was logged twice")
	}
}
