package codec

// Buffer is a fixed-capacity byte buffer that is always left ready to receive
// more bytes: unread bytes are kept at the front, and consuming bytes compacts
// the remainder immediately.
type Buffer struct {
	buf []byte
	n   int
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		buf: make([]byte, capacity),
		n:   0,
	}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Available returns the spare capacity.
func (b *Buffer) Available() int {
	return len(b.buf) - b.n
}

// Bytes returns the unread bytes; the slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte {
	return b.buf[:b.n]
}

// Free returns the writable tail; callers must Commit what they wrote.
func (b *Buffer) Free() []byte {
	return b.buf[b.n:]
}

// Commit marks n bytes of the slice returned by Free as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Available() {
		panic("codec: commit out of range")
	}
	b.n += n
}

// Write appends as much of p as fits and returns how much was taken.
func (b *Buffer) Write(p []byte) int {
	k := copy(b.buf[b.n:], p)
	b.n += k
	return k
}

// Read consumes up to len(p) bytes into p.
func (b *Buffer) Read(p []byte) int {
	k := copy(p, b.buf[:b.n])
	b.Discard(k)
	return k
}

// Discard consumes up to n unread bytes and compacts the remainder.
func (b *Buffer) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.buf, b.buf[n:b.n])
	b.n -= n
}
