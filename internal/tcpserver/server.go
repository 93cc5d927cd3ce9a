// Package tcpserver accepts tracker connections and runs the per-device
// session: IMEI handshake, then a frame loop that parses records, feeds
// them to position inference and acknowledges what was parsed.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/avl"
	"github.com/fleet-beacon/avl-broker/internal/inference"
	"github.com/fleet-beacon/avl-broker/internal/metrics"
	"github.com/fleet-beacon/avl-broker/internal/persist"
)

// Config is the subset of broker configuration the listener needs.
type Config struct {
	IdleTimeout   time.Duration
	MaxFrameBytes int
	ValidateCRC   bool
	StoreRaw      bool
}

type Server struct {
	cfg       Config
	engine    *inference.Engine
	committer *inference.Committer
	db        persist.Adapter
	logger    *zap.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, engine *inference.Engine, committer *inference.Committer, db persist.Adapter, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		committer: committer,
		db:        db,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe blocks accepting tracker connections until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("tracker listener started", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown closes all active device connections and waits for their
// sessions to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := s.logger.With(zap.String("remote", remote))

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	imei, err := avl.ReadHandshake(conn)
	if err != nil {
		if errors.Is(err, avl.ErrRejectHandshake) {
			conn.Write([]byte{avl.HandshakeReject})
			metrics.ConnectionsTotal.WithLabelValues("rejected_handshake").Inc()
			log.Warn("handshake rejected", zap.Error(err))
		} else {
			metrics.ParseErrorsTotal.WithLabelValues("handshake").Inc()
			log.Debug("handshake read failed", zap.Error(err))
		}
		return
	}
	if _, err := conn.Write([]byte{avl.HandshakeAccept}); err != nil {
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	log = log.With(zap.String("imei", imei))
	log.Info("device connected")
	defer func() {
		s.engine.MarkDisconnected(imei)
		log.Info("device disconnected")
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		frame, err := avl.ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Idle devices keep their connection; wait for the next frame.
				log.Debug("idle timeout, keeping connection")
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			metrics.ParseErrorsTotal.WithLabelValues("frame").Inc()
			log.Warn("frame read failed", zap.Error(err))
			return
		}

		if !s.processFrame(ctx, conn, log, imei, frame) {
			return
		}
	}
}

// processFrame handles one frame and reports whether the session should
// continue. A frame yielding zero parsable records closes the connection
// without an acknowledgement.
func (s *Server) processFrame(ctx context.Context, conn net.Conn, log *zap.Logger, imei string, frame *avl.Frame) bool {
	metrics.FramesTotal.WithLabelValues(codecLabel(frame.CodecID)).Inc()

	if s.cfg.ValidateCRC && !frame.ValidCRC() {
		metrics.ParseErrorsTotal.WithLabelValues("crc").Inc()
		log.Warn("frame crc mismatch, closing", zap.Uint32("crc", frame.CRC))
		return false
	}

	records, err := avl.ParseFrameBody(frame.Body)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("record").Inc()
		if len(records) == 0 {
			log.Warn("frame unparsable, closing", zap.Error(err))
			return false
		}
		log.Warn("frame partially parsed",
			zap.Int("parsed", len(records)), zap.Int("declared", frame.DeclaredCount), zap.Error(err))
	}
	metrics.RecordsTotal.Add(float64(len(records)))

	now := time.Now()
	for _, rec := range records {
		eff := s.engine.HandleRecord(imei, rec, now)
		s.committer.Commit(ctx, eff)
	}

	if s.cfg.StoreRaw && s.db.Enabled() {
		raw := persist.RawFrame{
			IMEI:        imei,
			CodecID:     frame.CodecID,
			RecordCount: len(records),
			Body:        frame.Body,
			ReceivedAt:  now,
		}
		if err := s.db.AppendRawFrame(ctx, raw); err != nil {
			log.Warn("raw frame capture failed", zap.Error(err))
		}
	}

	// Acknowledge the successfully parsed prefix; the device retransmits
	// the rest.
	if _, err := conn.Write(avl.AckBytes(len(records))); err != nil {
		log.Debug("ack write failed", zap.Error(err))
		return false
	}
	return true
}

func codecLabel(codec byte) string {
	if codec == avl.Codec8Ext {
		return "8e"
	}
	return "8"
}
