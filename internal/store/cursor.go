package store

import (
	"io"

	"golang.org/x/xerrors"
)

const cursorBufSize = 4096

// Cursor is a buffered sequential reader over an Input. Postings read
// through cursors so that a single Input clone can serve many seeks
// without re-opening the file.
type Cursor struct {
	in  Input
	off int64 // position of buf[0] within in
	buf []byte
	r   int // next unread byte in buf
}

// NewCursor returns a cursor positioned at offset 0.
func NewCursor(in Input) *Cursor {
	return &Cursor{in: in, buf: make([]byte, 0, cursorBufSize)}
}

// Clone returns an independent cursor over a cloned Input, positioned at
// the same offset.
func (c *Cursor) Clone() (*Cursor, error) {
	in, err := c.in.Clone()
	if err != nil {
		return nil, err
	}
	nc := NewCursor(in)
	nc.off = c.Offset()
	return nc, nil
}

// Offset returns the cursor's current read position.
func (c *Cursor) Offset() int64 {
	return c.off + int64(c.r)
}

// Seek repositions the cursor to the absolute offset off.
func (c *Cursor) Seek(off int64) {
	if off >= c.off && off <= c.off+int64(len(c.buf)) {
		c.r = int(off - c.off)
		return
	}
	c.off = off
	c.buf = c.buf[:0]
	c.r = 0
}

// Size returns the size of the underlying input.
func (c *Cursor) Size() int64 {
	return c.in.Size()
}

func (c *Cursor) fill() error {
	c.off += int64(c.r)
	c.r = 0
	c.buf = c.buf[:cap(c.buf)]
	n, err := c.in.ReadAt(c.buf, c.off)
	c.buf = c.buf[:n]
	if n > 0 {
		return nil
	}
	if err == nil || err == io.EOF {
		return io.EOF
	}
	return err
}

// ReadByte implements io.ByteReader.
func (c *Cursor) ReadByte() (byte, error) {
	if c.r >= len(c.buf) {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	b := c.buf[c.r]
	c.r++
	return b, nil
}

// Read implements io.Reader.
func (c *Cursor) Read(p []byte) (int, error) {
	if c.r >= len(c.buf) {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.buf[c.r:])
	c.r += n
	return n, nil
}

// ReadFull fills p entirely or reports an error.
func (c *Cursor) ReadFull(p []byte) error {
	if _, err := io.ReadFull(c, p); err != nil {
		return xerrors.Errorf("read %d bytes at offset %d: %w", len(p), c.Offset(), err)
	}
	return nil
}

// Close releases the underlying input.
func (c *Cursor) Close() error {
	return c.in.Close()
}
