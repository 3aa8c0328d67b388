package forge

import (
	"io"
	"os"
	"testing"

	"github.com/charmbracelet/log"
)

// quietLogger discards everything but still runs every log call.
func quietLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
}

// chdir mirrors testing.T.Chdir (Go 1.24+): it switches the working
// directory for the rest of the test and restores it during cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
