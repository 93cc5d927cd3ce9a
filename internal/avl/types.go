package avl

import "time"

// Codec identifiers accepted on the wire. CODEC8 Extended widens event and
// IO identifiers and counts from 1 to 2 bytes and adds the variable-length
// IO table that carries BLE beacon payloads.
const (
	Codec8    byte = 0x08
	Codec8Ext byte = 0x8E
)

// Variable-length IO element ids that carry BLE beacon data. 385 is the
// documented beacon array; the 108xx and 11317 ids are vendor extensions
// whose payload layout is undocumented and handled as opaque blobs.
const (
	IOBeaconList  uint16 = 385
	IOEyeBlobA    uint16 = 10828
	IOEyeBlobB    uint16 = 10829
	IOBeaconNames uint16 = 11317
)

// GPS is the fixed 15-byte position element of an AVL record.
type GPS struct {
	Lat        float64
	Lng        float64
	Altitude   uint16
	Heading    uint16
	Satellites uint8
	SpeedKmh   uint16
}

// BeaconPayload is one variable-length IO element recognized as carrying
// beacon data, preserved raw for the extractor.
type BeaconPayload struct {
	IOID uint16
	Data []byte
}

// Record is one decoded AVL record: a timestamped position plus its IO
// snapshot.
type Record struct {
	Timestamp time.Time
	Priority  uint8
	EventID   uint16
	GPS       GPS

	// IO holds all fixed-width elements, id → value zero-extended to 64 bits.
	IO map[uint16]uint64
	// RawIO holds variable-length elements that are not beacon payloads,
	// passed through opaque.
	RawIO map[uint16][]byte

	BeaconPayloads []BeaconPayload
}

// Frame is one length-delimited AVL frame read off a device connection.
// Body spans the codec byte through the trailing record-count byte; CRC is
// the trailing 4 bytes (16-bit CRC zero-extended by the device).
type Frame struct {
	CodecID       byte
	DeclaredCount int
	Body          []byte
	CRC           uint32
}
