package avl

import (
	"fmt"
	"time"
)

// ParseFrameBody decodes the records of one AVL frame body. body[0] is the
// codec id, body[1] the declared record count; records follow back to back.
//
// Records are decoded strictly in protocol order. A malformed record ends
// decoding of the frame, since the variable-length layout leaves no way to
// resynchronize on the next record, and the successfully parsed prefix is
// returned together with the record error. The caller acknowledges only
// len(records); the device retransmits the unacknowledged suffix.
func ParseFrameBody(body []byte) ([]*Record, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("avl: frame body too short (%d bytes)", len(body))
	}

	codec := body[0]
	if codec != Codec8 && codec != Codec8Ext {
		return nil, fmt.Errorf("avl: unsupported codec 0x%02X", codec)
	}
	declared := int(body[1])
	if declared == 0 {
		return nil, fmt.Errorf("avl: frame declares zero records")
	}

	c := &cursor{data: body, off: 2}
	extended := codec == Codec8Ext

	records := make([]*Record, 0, declared)
	for i := 0; i < declared; i++ {
		rec, err := parseRecord(c, extended)
		if err != nil {
			return records, fmt.Errorf("avl: record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(c *cursor, extended bool) (*Record, error) {
	tsMs, err := c.u64()
	if err != nil {
		return nil, err
	}
	priority, err := c.u8()
	if err != nil {
		return nil, err
	}

	gps, err := parseGPS(c)
	if err != nil {
		return nil, err
	}

	eventID, err := c.ioID(extended)
	if err != nil {
		return nil, err
	}
	// Total element count; informational only, the per-width counts are
	// authoritative.
	if _, err := c.ioCount(extended); err != nil {
		return nil, err
	}

	rec := &Record{
		Timestamp: time.UnixMilli(int64(tsMs)).UTC(),
		Priority:  priority,
		EventID:   eventID,
		GPS:       gps,
		IO:        make(map[uint16]uint64),
		RawIO:     make(map[uint16][]byte),
	}

	// Fixed-width IO tables in ascending value width.
	for _, width := range []int{1, 2, 4, 8} {
		count, err := c.ioCount(extended)
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(count); j++ {
			id, err := c.ioID(extended)
			if err != nil {
				return nil, err
			}
			v, err := c.uvar(width)
			if err != nil {
				return nil, err
			}
			rec.IO[id] = v
		}
	}

	// Variable-length table, CODEC8 Extended only.
	if extended {
		count, err := c.u16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(count); j++ {
			id, err := c.u16()
			if err != nil {
				return nil, err
			}
			length, err := c.u16()
			if err != nil {
				return nil, err
			}
			data, err := c.bytes(int(length))
			if err != nil {
				return nil, err
			}
			switch id {
			case IOBeaconList, IOEyeBlobA, IOEyeBlobB, IOBeaconNames:
				rec.BeaconPayloads = append(rec.BeaconPayloads, BeaconPayload{IOID: id, Data: data})
			default:
				rec.RawIO[id] = data
			}
		}
	}

	return rec, nil
}

func parseGPS(c *cursor) (GPS, error) {
	lngE7, err := c.i32()
	if err != nil {
		return GPS{}, err
	}
	latE7, err := c.i32()
	if err != nil {
		return GPS{}, err
	}
	altitude, err := c.u16()
	if err != nil {
		return GPS{}, err
	}
	heading, err := c.u16()
	if err != nil {
		return GPS{}, err
	}
	satellites, err := c.u8()
	if err != nil {
		return GPS{}, err
	}
	speed, err := c.u16()
	if err != nil {
		return GPS{}, err
	}
	return GPS{
		Lat:        float64(latE7) / 1e7,
		Lng:        float64(lngE7) / 1e7,
		Altitude:   altitude,
		Heading:    heading,
		Satellites: satellites,
		SpeedKmh:   speed,
	}, nil
}

// ioID reads an IO element id: 2 bytes in CODEC8 Extended, 1 in CODEC8.
func (c *cursor) ioID(extended bool) (uint16, error) {
	if extended {
		return c.u16()
	}
	v, err := c.u8()
	return uint16(v), err
}

// ioCount reads an element count with the same widening rule as ioID.
func (c *cursor) ioCount(extended bool) (uint16, error) {
	return c.ioID(extended)
}
