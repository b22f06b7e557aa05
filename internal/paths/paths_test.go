package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDataLayout(t *testing.T) {
	data := "/var/lib/cruxflow"
	tests := map[string]string{
		Store(data):      "/var/lib/cruxflow/store",
		CacheIndex(data): "/var/lib/cruxflow/cache.db",
		Volumes(data):    "/var/lib/cruxflow/volumes",
		Scratch(data):    "/var/lib/cruxflow/tmp",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSocketUnderRuntime(t *testing.T) {
	if filepath.Dir(Socket()) != Runtime() {
		t.Fatalf("socket %q is not under %q", Socket(), Runtime())
	}
	if !strings.HasSuffix(Socket(), "cruxflow.sock") {
		t.Fatalf("unexpected socket name %q", Socket())
	}
}
