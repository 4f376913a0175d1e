package mirror

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/can"
	"github.com/kstaniek/go-j1939-bus/internal/cnl"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/packet"
)

const readBatch = 16

// serveClient runs the reader and writer of one connection. Either side
// ending tears down both.
func (s *Server) serveClient(parent context.Context, id uint64, conn net.Conn, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(parent)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.readLoop(ctx, conn, logger)
	}()
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			_ = conn.Close()
			s.removeClient(id)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		s.writeLoop(ctx, conn, logger)
	}()
}

// readLoop decodes frames from the client and transmits them on the bus.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	br := bufio.NewReader(conn)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		// Drain what is already buffered, or block for one frame.
		n := min(max(cnl.Buffered(br), 1), readBatch)
		_, err := s.dec.DecodeN(br, n, func(f can.Frame) {
			metrics.IncMirrorRx()
			s.transmit(f, logger)
		})
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		s.setError(wrap)
		logger.Warn("client_read_error", "error", wrap)
		return
	}
}

func (s *Server) transmit(f can.Frame, logger *slog.Logger) {
	p, err := can.ToPacket(f, false, time.Now())
	if err != nil {
		s.totalDropped.Add(1)
		logger.Debug("frame_dropped", "frame", f.String(), "error", err)
		return
	}
	if _, err := s.bus.Send(p); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBusSend, err)
		s.setError(wrap)
		s.totalSendErrors.Add(1)
		logger.Error("bus_send_error", "packet", p.String(), "error", err)
	}
}

// writeLoop streams bus traffic to the client in batches. The bus stream is
// kept alive while traffic flows and reopened after an idle period.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	stream := s.bus.Read(s.streamTimeout)
	defer func() { stream.Close() }()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n := len(batch)
		_, err := s.enc.EncodeTo(conn, batch)
		batch = batch[:0]
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			if ctx.Err() == nil {
				s.setError(wrap)
			}
			return wrap
		}
		metrics.AddMirrorTx(n)
		return nil
	}
	for {
		wait, cancel := ctx, context.CancelFunc(func() {})
		if len(batch) > 0 {
			wait, cancel = context.WithTimeout(ctx, s.flushInterval)
		}
		p, ok := stream.NextContext(wait)
		cancel()
		switch {
		case ok:
			s.bus.ResetTimeout(stream, s.streamTimeout)
			if f, ok := s.frame(p, logger); ok {
				batch = append(batch, f)
			}
			if len(batch) < s.batchSize {
				continue
			}
		case ctx.Err() != nil:
			_ = flush()
			return
		case stream.Exhausted():
			if err := flush(); err != nil {
				return
			}
			stream = s.bus.Read(s.streamTimeout)
			if stream.Exhausted() {
				// Bus closed.
				return
			}
			logger.Debug("stream_reopened")
			continue
		}
		if err := flush(); err != nil {
			logger.Warn("client_write_error", "error", err)
			return
		}
	}
}

// frame converts p for the wire. Reassembled multi-frame packets cannot be
// mirrored as a single CAN frame and are skipped.
func (s *Server) frame(p *packet.Packet, logger *slog.Logger) (can.Frame, bool) {
	f, err := can.FromPacket(p)
	if err != nil {
		s.totalDropped.Add(1)
		logger.Debug("packet_not_mirrored", "packet", p.String(), "error", err)
		return f, false
	}
	return f, true
}
