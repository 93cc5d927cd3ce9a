package avl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrRejectHandshake marks a handshake that must be answered with the
// reject byte before closing, as opposed to a plain transport error.
var ErrRejectHandshake = errors.New("avl: invalid handshake")

// Handshake replies.
const (
	HandshakeAccept byte = 0x01
	HandshakeReject byte = 0x00
)

const maxIMEILen = 15

// ReadHandshake reads the connection-opening IMEI announcement: a 2-byte
// big-endian length followed by that many ASCII digit bytes. A zero or
// oversized length, or non-digit content, returns ErrRejectHandshake.
func ReadHandshake(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("avl: reading handshake length: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 || n > maxIMEILen {
		return "", fmt.Errorf("%w: imei length %d", ErrRejectHandshake, n)
	}

	imei := make([]byte, n)
	if _, err := io.ReadFull(r, imei); err != nil {
		return "", fmt.Errorf("avl: reading imei: %w", err)
	}
	for _, b := range imei {
		if b < '0' || b > '9' {
			return "", fmt.Errorf("%w: imei contains non-digit 0x%02X", ErrRejectHandshake, b)
		}
	}
	return string(imei), nil
}

// ReadFrame reads one length-delimited AVL frame: a 4-byte zero preamble,
// a 4-byte big-endian body length, the body, and the trailing 4-byte CRC.
// maxBytes bounds the declared body length against hostile or corrupted
// streams.
func ReadFrame(r io.Reader, maxBytes int) (*Frame, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	preamble := binary.BigEndian.Uint32(header[0:4])
	if preamble != 0 {
		return nil, fmt.Errorf("avl: nonzero preamble 0x%08X", preamble)
	}
	length := int(binary.BigEndian.Uint32(header[4:8]))
	if length < 2 {
		return nil, fmt.Errorf("avl: declared body length %d too small", length)
	}
	if length > maxBytes {
		return nil, fmt.Errorf("avl: declared body length %d exceeds limit %d", length, maxBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("avl: reading frame body: %w", err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("avl: reading frame crc: %w", err)
	}

	codec := body[0]
	if codec != Codec8 && codec != Codec8Ext {
		return nil, fmt.Errorf("avl: unsupported codec 0x%02X", codec)
	}

	return &Frame{
		CodecID:       codec,
		DeclaredCount: int(body[1]),
		Body:          body,
		CRC:           binary.BigEndian.Uint32(crcBuf[:]),
	}, nil
}

// ValidCRC reports whether the frame's trailing CRC matches CRC-16/IBM of
// the body zero-extended to 32 bits. Devices in the field occasionally send
// garbage here, so validation is opt-in.
func (f *Frame) ValidCRC() bool {
	return uint32(CRC16(f.Body)) == f.CRC
}

// CRC16 implements CRC-16/IBM (reflected, polynomial 0xA001, zero init),
// the checksum the AVL protocol applies over the frame body.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AckBytes encodes the record-count acknowledgement written back to the
// device after a frame is processed.
func AckBytes(n int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	return buf[:]
}
