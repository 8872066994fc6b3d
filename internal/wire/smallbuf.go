package wire

// smallBufSize mirrors the spec's 4 KiB stack-buffer threshold (spec.md
// §4.8/§9): requests at or below this size must not force a heap
// allocation distinct from the SmallBuf value itself.
const smallBufSize = 4096

// SmallBuf is the idiomatic-Go analogue of the original worker's
// ALLOC_BUF/FREE_BUF stack-vs-heap buffer split (spec.md §9): payloads up to
// 4 KiB are read into the embedded array, larger ones spill into a
// heap-allocated slice. Callers reuse one SmallBuf across requests via
// Bytes(n), which is the buffer's entire API.
type SmallBuf struct {
	inline [smallBufSize]byte
	spill  []byte
}

// Bytes returns a slice of length n backed by the inline array when
// n <= 4KiB, or by a (cached, regrown-on-demand) heap slice otherwise.
func (b *SmallBuf) Bytes(n int) []byte {
	if n <= smallBufSize {
		return b.inline[:n]
	}
	if cap(b.spill) < n {
		b.spill = make([]byte, n)
	}
	return b.spill[:n]
}
