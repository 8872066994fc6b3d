package wire

import (
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTripXexp(t *testing.T, x *Xexp) *Xexp {
	t.Helper()
	e := NewEncoder()
	e.Xexp(x)
	d := NewDecoder(e.Bytes())
	got := d.Xexp()
	if d.Corrupted() {
		t.Fatalf("decoder unexpectedly corrupted for input %+v", x)
	}
	return got
}

func TestXexpRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		x    *Xexp
	}{
		{"nil", nil},
		{"leaf", NewLeaf("name", "emacs")},
		{"empty leaf", NewLeaf("name", "")},
		{"empty list", NewList("catalogues")},
		{
			"nested",
			func() *Xexp {
				top := NewList("catalogues")
				c := NewList("catalogue")
				c.Cons(NewLeaf("name", "os"))
				c.Cons(NewLeaf("uri", "http://example/repo"))
				errs := NewList("errors")
				errs.Cons(NewLeaf("error", "404"))
				c.Cons(errs)
				top.Cons(c)
				return top
			}(),
		},
		{"non-ascii text gets repaired only on invalid utf8, valid passes through", NewLeaf("desc", "héllo")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTripXexp(t, tt.x)
			if tt.x == nil {
				if got != nil {
					t.Fatalf("got %+v, want nil", got)
				}
				return
			}
			if !got.Equal(tt.x) {
				t.Fatalf("round trip mismatch (-want +got):\n%s", cmp.Diff(tt.x, got))
			}
		})
	}
}

func TestPrimitiveRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.Int32(-42)
	e.Int64(1 << 40)
	e.String("hello")
	e.NullString()
	d := NewDecoder(e.Bytes())
	if got := d.Int32(); got != -42 {
		t.Errorf("Int32() = %d, want -42", got)
	}
	if got := d.Int64(); got != 1<<40 {
		t.Errorf("Int64() = %d, want %d", got, int64(1)<<40)
	}
	if got, ok := d.String(); !ok || got != "hello" {
		t.Errorf("String() = %q, %v, want %q, true", got, ok, "hello")
	}
	if _, ok := d.String(); ok {
		t.Errorf("String() for null string: ok = true, want false")
	}
	if d.Corrupted() {
		t.Errorf("Corrupted() = true after a well-formed decode")
	}
}

func TestTruncatedDecodeIsCorruptedNotPanicking(t *testing.T) {
	e := NewEncoder()
	e.String("a string long enough to matter")
	full := e.Bytes()
	for cut := 0; cut < len(full); cut++ {
		d := NewDecoder(full[:cut])
		_, _ = d.String()
		if !d.Corrupted() {
			t.Fatalf("truncated at %d/%d bytes: Corrupted() = false, want true", cut, len(full))
		}
		if !d.AtEnd() {
			t.Fatalf("truncated at %d/%d bytes: AtEnd() = false, want true", cut, len(full))
		}
		// Subsequent reads must stay well-behaved (zero values, no panic).
		if got := d.Int32(); got != 0 {
			t.Errorf("Int32() after corruption = %d, want 0", got)
		}
		if got, ok := d.String(); ok || got != "" {
			t.Errorf("String() after corruption = %q, %v, want \"\", false", got, ok)
		}
		if got := d.Xexp(); got != nil {
			t.Errorf("Xexp() after corruption = %+v, want nil", got)
		}
	}
}

func TestInvalidUTF8IsRepairedDeterministically(t *testing.T) {
	bad := "\xff\xfevalid"
	e := NewEncoder()
	e.String(bad)
	d := NewDecoder(e.Bytes())
	got, ok := d.String()
	if !ok {
		t.Fatalf("String() ok = false, want true")
	}
	want := "??valid"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if d.Corrupted() {
		t.Fatalf("Corrupted() = true, want false: invalid UTF-8 must be repaired, not rejected")
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf writeBufCloser
	if err := WriteFrame(&buf, int32(7), int32(3), []byte("payload")); err != nil {
		t.Fatal(err)
	}
	hdr, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Command != 7 || hdr.Sequence != 3 || hdr.Length != int32(len("payload")) {
		t.Fatalf("hdr = %+v, want {7 3 7}", hdr)
	}
	got, err := ReadFramePayload(&buf, hdr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("payload = %q, want %q", got, "payload")
	}
}

// writeBufCloser is a minimal in-memory io.ReadWriter for frame tests.
type writeBufCloser struct {
	b []byte
	r int
}

func (w *writeBufCloser) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *writeBufCloser) Read(p []byte) (int, error) {
	n := copy(p, w.b[w.r:])
	w.r += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
