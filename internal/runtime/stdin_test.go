package runtime

import (
	"io"
	"strings"
	"testing"
)

func TestStdinReaderSignalsEOF(t *testing.T) {
	r := newStdinReader(strings.NewReader("hello"))

	select {
	case <-r.Done():
		t.Fatal("done before reading")
	default:
	}

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello" {
		t.Fatalf("read %q", b)
	}
	if r.Len() != 5 {
		t.Fatalf("len = %d, want 5", r.Len())
	}

	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed after EOF")
	}

	// Further reads keep returning EOF without closing twice.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}
