package avl

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// recordOpts parameterizes the test record builder so each test only states
// what it cares about.
type recordOpts struct {
	ts       time.Time
	lat, lng float64
	speed    uint16
	oneByte  map[byte]byte
	varIO    map[uint16][]byte
}

func buildTestRecordBytes(extended bool, o recordOpts) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint64(o.ts.UnixMilli()))
	buf.WriteByte(0) // priority

	binary.Write(&buf, binary.BigEndian, int32(math.Round(o.lng*1e7)))
	binary.Write(&buf, binary.BigEndian, int32(math.Round(o.lat*1e7)))
	binary.Write(&buf, binary.BigEndian, uint16(120)) // altitude
	binary.Write(&buf, binary.BigEndian, uint16(90))  // heading
	buf.WriteByte(11)                                 // satellites
	binary.Write(&buf, binary.BigEndian, o.speed)

	writeID := func(id uint16) {
		if extended {
			binary.Write(&buf, binary.BigEndian, id)
		} else {
			buf.WriteByte(byte(id))
		}
	}

	writeID(0) // event id
	writeID(uint16(len(o.oneByte)))

	writeID(uint16(len(o.oneByte)))
	for id, v := range o.oneByte {
		writeID(uint16(id))
		buf.WriteByte(v)
	}
	writeID(0) // 2-byte count
	writeID(0) // 4-byte count
	writeID(0) // 8-byte count

	if extended {
		binary.Write(&buf, binary.BigEndian, uint16(len(o.varIO)))
		for id, data := range o.varIO {
			binary.Write(&buf, binary.BigEndian, id)
			binary.Write(&buf, binary.BigEndian, uint16(len(data)))
			buf.Write(data)
		}
	}
	return buf.Bytes()
}

func buildTestBody(codec byte, records ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(codec)
	buf.WriteByte(byte(len(records)))
	for _, r := range records {
		buf.Write(r)
	}
	buf.WriteByte(byte(len(records)))
	return buf.Bytes()
}

func TestParseFrameBody_Codec8(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := buildTestRecordBytes(false, recordOpts{
		ts: ts, lat: 44.8125123, lng: 20.4612456, speed: 42,
		oneByte: map[byte]byte{21: 5},
	})
	body := buildTestBody(Codec8, rec)

	records, err := ParseFrameBody(body)
	if err != nil {
		t.Fatalf("ParseFrameBody: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	r := records[0]
	if !r.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", r.Timestamp, ts)
	}
	if math.Abs(r.GPS.Lat-44.8125123) > 1e-7 {
		t.Errorf("lat = %v, want 44.8125123", r.GPS.Lat)
	}
	if math.Abs(r.GPS.Lng-20.4612456) > 1e-7 {
		t.Errorf("lng = %v, want 20.4612456", r.GPS.Lng)
	}
	if r.GPS.SpeedKmh != 42 {
		t.Errorf("speed = %d, want 42", r.GPS.SpeedKmh)
	}
	if r.GPS.Altitude != 120 || r.GPS.Heading != 90 || r.GPS.Satellites != 11 {
		t.Errorf("gps extras = %d/%d/%d, want 120/90/11",
			r.GPS.Altitude, r.GPS.Heading, r.GPS.Satellites)
	}
	if v, ok := r.IO[21]; !ok || v != 5 {
		t.Errorf("IO[21] = %d (present=%v), want 5", v, ok)
	}
	if len(r.BeaconPayloads) != 0 {
		t.Errorf("CODEC8 record carries %d beacon payloads, want 0", len(r.BeaconPayloads))
	}
}

func TestParseFrameBody_NegativeCoordinates(t *testing.T) {
	rec := buildTestRecordBytes(false, recordOpts{
		ts: time.Now().UTC().Truncate(time.Millisecond), lat: -33.8688197, lng: -70.6692655,
	})
	records, err := ParseFrameBody(buildTestBody(Codec8, rec))
	if err != nil {
		t.Fatalf("ParseFrameBody: %v", err)
	}
	if math.Abs(records[0].GPS.Lat+33.8688197) > 1e-7 {
		t.Errorf("lat = %v, want -33.8688197", records[0].GPS.Lat)
	}
	if math.Abs(records[0].GPS.Lng+70.6692655) > 1e-7 {
		t.Errorf("lng = %v, want -70.6692655", records[0].GPS.Lng)
	}
}

func TestParseFrameBody_ExtendedBeaconPayloads(t *testing.T) {
	beaconData := []byte{0x01, 0x7c, 0xd9, 0xf4, 0x07, 0xf9, 0x5c, 0xce, 0x55, 0x00}
	opaque := []byte{0xde, 0xad}
	rec := buildTestRecordBytes(true, recordOpts{
		ts: time.Now().UTC().Truncate(time.Millisecond), lat: 44.8, lng: 20.4,
		varIO: map[uint16][]byte{
			IOBeaconList: beaconData,
			5000:         opaque,
		},
	})
	records, err := ParseFrameBody(buildTestBody(Codec8Ext, rec))
	if err != nil {
		t.Fatalf("ParseFrameBody: %v", err)
	}

	r := records[0]
	if len(r.BeaconPayloads) != 1 {
		t.Fatalf("expected 1 beacon payload, got %d", len(r.BeaconPayloads))
	}
	p := r.BeaconPayloads[0]
	if p.IOID != IOBeaconList {
		t.Errorf("beacon payload id = %d, want %d", p.IOID, IOBeaconList)
	}
	if !bytes.Equal(p.Data, beaconData) {
		t.Errorf("beacon payload data = %x, want %x", p.Data, beaconData)
	}
	if !bytes.Equal(r.RawIO[5000], opaque) {
		t.Errorf("RawIO[5000] = %x, want %x", r.RawIO[5000], opaque)
	}
}

func TestParseFrameBody_VendorBlobIDsRecognized(t *testing.T) {
	for _, id := range []uint16{IOEyeBlobA, IOEyeBlobB, IOBeaconNames} {
		rec := buildTestRecordBytes(true, recordOpts{
			ts: time.Now().UTC().Truncate(time.Millisecond), lat: 44.8, lng: 20.4,
			varIO: map[uint16][]byte{id: {0x01, 0x02}},
		})
		records, err := ParseFrameBody(buildTestBody(Codec8Ext, rec))
		if err != nil {
			t.Fatalf("id %d: ParseFrameBody: %v", id, err)
		}
		if len(records[0].BeaconPayloads) != 1 || records[0].BeaconPayloads[0].IOID != id {
			t.Errorf("id %d not dispatched as beacon payload", id)
		}
	}
}

func TestParseFrameBody_MultipleRecords(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r1 := buildTestRecordBytes(true, recordOpts{ts: ts, lat: 44.8, lng: 20.4, speed: 10})
	r2 := buildTestRecordBytes(true, recordOpts{ts: ts.Add(time.Minute), lat: 44.9, lng: 20.5, speed: 20})

	records, err := ParseFrameBody(buildTestBody(Codec8Ext, r1, r2))
	if err != nil {
		t.Fatalf("ParseFrameBody: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].GPS.SpeedKmh != 20 {
		t.Errorf("second record speed = %d, want 20", records[1].GPS.SpeedKmh)
	}
}

// A record that cannot be decoded ends the frame; the parsed prefix comes
// back alongside the error so the caller can acknowledge it.
func TestParseFrameBody_TruncatedSecondRecordReturnsPrefix(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r1 := buildTestRecordBytes(true, recordOpts{ts: ts, lat: 44.8, lng: 20.4})
	r2 := buildTestRecordBytes(true, recordOpts{ts: ts, lat: 44.9, lng: 20.5})

	body := buildTestBody(Codec8Ext, r1, r2)
	truncated := body[:len(body)-20]

	records, err := ParseFrameBody(truncated)
	if err == nil {
		t.Fatal("expected error for truncated record")
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 parsed record before the error, got %d", len(records))
	}
	if math.Abs(records[0].GPS.Lat-44.8) > 1e-7 {
		t.Errorf("prefix record lat = %v, want 44.8", records[0].GPS.Lat)
	}
}

func TestParseFrameBody_Errors(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"one byte", []byte{Codec8}},
		{"unsupported codec", []byte{0x0C, 0x01}},
		{"zero records", []byte{Codec8, 0x00, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records, err := ParseFrameBody(tc.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if len(records) != 0 {
				t.Errorf("expected no records, got %d", len(records))
			}
		})
	}
}
