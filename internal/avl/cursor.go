package avl

import (
	"encoding/binary"
	"fmt"
)

// cursor walks a byte slice with explicit remaining-bytes checks before
// every read, so a malformed record fails with an error instead of a slice
// panic and never advances past the end of the frame body.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) remaining() int {
	return len(c.data) - c.off
}

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("avl: short read at offset %d: need %d bytes, have %d", c.off, n, c.remaining())
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.data[c.off : c.off+n]
	c.off += n
	return v, nil
}

// uvar reads an unsigned value of the given byte width (1, 2, 4 or 8),
// zero-extended to 64 bits.
func (c *cursor) uvar(width int) (uint64, error) {
	b, err := c.bytes(width)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}
