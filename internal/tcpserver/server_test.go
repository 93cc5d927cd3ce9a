package tcpserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/avl"
	"github.com/fleet-beacon/avl-broker/internal/beacon"
	"github.com/fleet-beacon/avl-broker/internal/inference"
	"github.com/fleet-beacon/avl-broker/internal/persist"
	"github.com/fleet-beacon/avl-broker/internal/store"
)

const (
	testIMEI = "350012345678901"
	testMAC  = "7cd9f407f95c"
)

func newTestServer(idle time.Duration) (*Server, *store.Store) {
	st := store.New()
	m := beacon.NewMatcher(map[string]beacon.Definition{
		testMAC: {Name: "Eybe2plus1", Type: "eye_beacon"},
	}, nil)
	engine := inference.New(st, m, inference.Params{PairSec: 60, DriftM: 30, GapSec: 300, JumpM: 100, StopKmh: 5}, zap.NewNop())
	committer := &inference.Committer{DB: persist.NewNoop(), Logger: zap.NewNop()}
	cfg := Config{IdleTimeout: idle, MaxFrameBytes: 65536}
	return New(cfg, engine, committer, persist.NewNoop(), zap.NewNop()), st
}

func writeHandshake(t *testing.T, conn net.Conn, imei string) {
	t.Helper()
	buf := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(buf, uint16(len(imei)))
	copy(buf[2:], imei)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}
}

func readByte(t *testing.T, conn net.Conn) byte {
	t.Helper()
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		t.Fatalf("reading reply byte: %v", err)
	}
	return b[0]
}

// buildFrame assembles one CODEC8 Extended frame with a single record
// carrying an element-385 beacon payload.
func buildFrame(lat, lng float64, speedKmh uint16, macs ...string) []byte {
	var rec bytes.Buffer

	ts := uint64(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
	binary.Write(&rec, binary.BigEndian, ts)
	rec.WriteByte(0) // priority

	binary.Write(&rec, binary.BigEndian, int32(lng*1e7))
	binary.Write(&rec, binary.BigEndian, int32(lat*1e7))
	binary.Write(&rec, binary.BigEndian, uint16(80)) // altitude
	binary.Write(&rec, binary.BigEndian, uint16(0))  // heading
	rec.WriteByte(9)                                 // satellites
	binary.Write(&rec, binary.BigEndian, speedKmh)

	binary.Write(&rec, binary.BigEndian, uint16(0)) // event id
	binary.Write(&rec, binary.BigEndian, uint16(1)) // total io count
	for i := 0; i < 4; i++ {
		binary.Write(&rec, binary.BigEndian, uint16(0)) // fixed-width counts
	}

	payload := []byte{byte(len(macs))}
	for _, mac := range macs {
		mb, _ := hex.DecodeString(mac)
		payload = append(payload, mb...)
		payload = append(payload, 0xCE, 85, 0x00) // rssi -50, battery 85, no flags
	}
	binary.Write(&rec, binary.BigEndian, uint16(1)) // varlen count
	binary.Write(&rec, binary.BigEndian, uint16(avl.IOBeaconList))
	binary.Write(&rec, binary.BigEndian, uint16(len(payload)))
	rec.Write(payload)

	body := append([]byte{avl.Codec8Ext, 1}, rec.Bytes()...)
	body = append(body, 1) // trailing record count

	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[4:], uint32(len(body)))
	frame = append(frame, body...)

	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, uint32(avl.CRC16(body)))
	return append(frame, crc...)
}

func startSession(t *testing.T, s *Server) (net.Conn, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handle(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client, done
}

func TestSession_HandshakeAndFrame(t *testing.T) {
	s, st := newTestServer(2 * time.Second)
	client, _ := startSession(t, s)

	writeHandshake(t, client, testIMEI)
	if reply := readByte(t, client); reply != avl.HandshakeAccept {
		t.Fatalf("expected accept byte, got 0x%02X", reply)
	}

	if _, err := client.Write(buildFrame(45.2551, 19.8452, 0, testMAC)); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	var ack [4]byte
	if _, err := io.ReadFull(client, ack[:]); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if n := binary.BigEndian.Uint32(ack[:]); n != 1 {
		t.Fatalf("expected ack of 1 record, got %d", n)
	}

	trackers := st.Trackers()
	if len(trackers) != 1 || trackers[0].IMEI != testIMEI {
		t.Fatalf("expected tracker %s in store, got %+v", testIMEI, trackers)
	}
	if !trackers[0].Connected {
		t.Error("expected tracker marked connected")
	}
	beacons := st.Beacons()
	if len(beacons) != 1 || beacons[0].MAC != testMAC {
		t.Fatalf("expected beacon %s in store, got %+v", testMAC, beacons)
	}
}

func TestSession_RejectEmptyIMEI(t *testing.T) {
	s, _ := newTestServer(2 * time.Second)
	client, done := startSession(t, s)

	client.Write([]byte{0x00, 0x00})
	if reply := readByte(t, client); reply != avl.HandshakeReject {
		t.Fatalf("expected reject byte, got 0x%02X", reply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected session to end after rejected handshake")
	}
}

func TestSession_RejectNonDigitIMEI(t *testing.T) {
	s, _ := newTestServer(2 * time.Second)
	client, _ := startSession(t, s)

	writeHandshake(t, client, "35001234567890X")
	if reply := readByte(t, client); reply != avl.HandshakeReject {
		t.Fatalf("expected reject byte, got 0x%02X", reply)
	}
}

func TestSession_IdleTimeoutKeepsConnection(t *testing.T) {
	s, _ := newTestServer(50 * time.Millisecond)
	client, done := startSession(t, s)

	writeHandshake(t, client, testIMEI)
	readByte(t, client)

	// Stay silent past several idle windows; the session must survive.
	time.Sleep(200 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("session ended on idle timeout")
	default:
	}

	if _, err := client.Write(buildFrame(45.0, 19.0, 0, testMAC)); err != nil {
		t.Fatalf("writing frame after idle: %v", err)
	}
	var ack [4]byte
	if _, err := io.ReadFull(client, ack[:]); err != nil {
		t.Fatalf("reading ack after idle: %v", err)
	}
	if n := binary.BigEndian.Uint32(ack[:]); n != 1 {
		t.Fatalf("expected ack of 1 record after idle, got %d", n)
	}
}

func TestSession_PartialFrameAcksParsedPrefix(t *testing.T) {
	s, _ := newTestServer(2 * time.Second)
	client, _ := startSession(t, s)

	writeHandshake(t, client, testIMEI)
	readByte(t, client)

	// Declared two records but the body carries only one: the parsed
	// prefix of one record is acknowledged.
	frame := buildFrame(45.0, 19.0, 0, testMAC)
	body := frame[8 : len(frame)-4]
	body[1] = 2

	if _, err := client.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	var ack [4]byte
	if _, err := io.ReadFull(client, ack[:]); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if n := binary.BigEndian.Uint32(ack[:]); n != 1 {
		t.Fatalf("expected ack of parsed prefix 1, got %d", n)
	}
}

func TestSession_CRCValidationClosesOnBadFrame(t *testing.T) {
	s, st := newTestServer(2 * time.Second)
	s.cfg.ValidateCRC = true
	client, done := startSession(t, s)

	writeHandshake(t, client, testIMEI)
	readByte(t, client)

	frame := buildFrame(45.0, 19.0, 0, testMAC)
	frame[len(frame)-1] ^= 0xFF // corrupt crc

	if _, err := client.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected session closed on crc mismatch")
	}
	if len(st.Trackers()) != 0 {
		t.Error("expected no state change from a rejected frame")
	}
}

func TestSession_DisconnectMarksTracker(t *testing.T) {
	s, st := newTestServer(2 * time.Second)
	client, done := startSession(t, s)

	writeHandshake(t, client, testIMEI)
	readByte(t, client)
	client.Write(buildFrame(45.0, 19.0, 0))
	var ack [4]byte
	io.ReadFull(client, ack[:])

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not end on disconnect")
	}

	trackers := st.Trackers()
	if len(trackers) != 1 {
		t.Fatalf("expected tracker retained after disconnect, got %d", len(trackers))
	}
	if trackers[0].Connected {
		t.Error("expected tracker marked disconnected")
	}
}
