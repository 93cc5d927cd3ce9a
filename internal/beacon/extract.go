package beacon

import (
	"encoding/hex"
	"strings"
	"time"
)

// Minimum blob sizes below which vendor elements carry no usable beacon data.
const (
	minBlobLen     = 10
	minNameBlobLen = 20
)

// ExtractStandard decodes the IO element 385 beacon array: a count byte
// followed by per-beacon entries of MAC (6 bytes), signed RSSI, battery and
// a flags byte. Flag bits gate optional trailing fields: 0x01 temperature
// (signed big-endian centidegrees), 0x02 humidity, 0x04 magnet status.
//
// A truncated entry is dropped rather than emitted half-filled, and ends
// extraction since nothing after it can be framed.
func ExtractStandard(data []byte, detectedAt time.Time) []Sighting {
	if len(data) < 1 {
		return nil
	}
	declared := int(data[0])
	off := 1

	sightings := make([]Sighting, 0, declared)
	for i := 0; i < declared; i++ {
		if off+9 > len(data) {
			break
		}
		mac := hex.EncodeToString(data[off : off+6])
		rssi := int(int8(data[off+6]))
		battery := int(data[off+7])
		flags := data[off+8]
		off += 9

		s := Sighting{
			MAC:        mac,
			RSSI:       &rssi,
			Battery:    &battery,
			DetectedAt: detectedAt,
			SourceIOID: 385,
		}

		if flags&0x01 != 0 {
			if off+2 > len(data) {
				break
			}
			t := float64(int16(uint16(data[off])<<8|uint16(data[off+1]))) / 100.0
			s.TemperatureC = &t
			off += 2
		}
		if flags&0x02 != 0 {
			if off+1 > len(data) {
				break
			}
			h := int(data[off])
			s.Humidity = &h
			off++
		}
		if flags&0x04 != 0 {
			if off+1 > len(data) {
				break
			}
			m := int(data[off])
			s.Magnet = &m
			off++
		}

		sightings = append(sightings, s)
	}
	return sightings
}

// ExtractVendorBlob scans an undocumented FMC003 beacon element (10828,
// 10829 or 11317) for known MACs. The layout varies by firmware, so instead
// of framing it we hex-encode the blob and search for each configured MAC.
// For the 108xx elements the byte two positions before a MAC hit carries
// the battery level; element 11317 interleaves beacon names and yields MACs
// only. Each MAC is reported at most once per blob.
func ExtractVendorBlob(ioID uint16, data []byte, knownMACs []string, detectedAt time.Time) []Sighting {
	minLen := minBlobLen
	withBattery := true
	if ioID == 11317 {
		minLen = minNameBlobLen
		withBattery = false
	}
	if len(data) < minLen {
		return nil
	}

	blob := hex.EncodeToString(data)

	var sightings []Sighting
	for _, mac := range knownMACs {
		pos := strings.Index(blob, mac)
		if pos < 0 {
			continue
		}
		s := Sighting{
			MAC:        mac,
			DetectedAt: detectedAt,
			SourceIOID: ioID,
		}
		if withBattery && pos >= 4 {
			if b, err := hexByte(blob[pos-4 : pos-2]); err == nil {
				battery := int(b)
				s.Battery = &battery
			}
		}
		sightings = append(sightings, s)
	}
	return sightings
}

func hexByte(s string) (byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}
