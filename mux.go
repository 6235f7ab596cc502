package adbc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Multiplexer owns a Transport after the handshake completes and fans its
// single byte stream out into many logical Streams keyed by local id, the
// generalization of aznet.Conn's single-stream read loop into an id-routed
// table (spec.md §4.E). One goroutine owns all reads from the transport;
// writes are serialized through writeFrame the way aznet.Conn's flush()
// serializes writes through fmu.
type Multiplexer struct {
	transport Transport
	session   *Session
	cfg       *Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newMultiplexer(ctx context.Context, transport Transport, session *Session, cfg *Config) *Multiplexer {
	ctx, cancel := context.WithCancel(ctx)
	m := &Multiplexer{
		transport: transport,
		session:   session,
		cfg:       cfg,
		logger:    cfg.logger.With().Str("component", "mux").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[uint32]*Stream),
		nextID:    1,
		done:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *Multiplexer) maxPayload() uint32 { return m.session.MaxPayload }

func (m *Multiplexer) checksumPolicy() ChecksumPolicy {
	return ChecksumPolicy{ProtocolVersion: m.session.ProtocolVersion}
}

// OpenService opens a new stream to the given ADB service string (e.g.
// "shell:ls", "sync:"), blocking until the peer replies OKAY or CLSE, or
// until the stream-open timeout elapses.
func (m *Multiplexer) OpenService(ctx context.Context, service string) (*Stream, error) {
	id := m.allocID()
	s := newStream(m, id)

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()

	payload := append([]byte(service), 0)
	if err := m.writeFrame(CmdOPEN, id, 0, payload); err != nil {
		m.removeStream(id)
		return nil, err
	}

	timer := time.NewTimer(m.cfg.streamOpenTimeout)
	defer timer.Stop()

	select {
	case err := <-s.openedCh:
		if err != nil {
			m.removeStream(id)
			return nil, err
		}
		m.cfg.metrics.IncrementStreamsOpened()
		return s, nil
	case <-timer.C:
		m.removeStream(id)
		return nil, fmt.Errorf("%w: opening %q", ErrTimeout, service)
	case <-ctx.Done():
		m.removeStream(id)
		return nil, ctx.Err()
	case <-m.ctx.Done():
		m.removeStream(id)
		return nil, ErrTransportClosed
	}
}

func (m *Multiplexer) allocID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, inUse := m.streams[id]; !inUse && id != 0 {
			return id
		}
	}
}

func (m *Multiplexer) removeStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

func (m *Multiplexer) lookupStream(id uint32) (*Stream, bool) {
	m.mu.Lock()
	s, ok := m.streams[id]
	m.mu.Unlock()
	return s, ok
}

// writeFrame serializes one outer message onto the transport.
func (m *Multiplexer) writeFrame(cmd Command, arg0, arg1 uint32, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	err := WriteMessage(m.transport, cmd, arg0, arg1, payload, m.maxPayload(), m.checksumPolicy())
	if err == nil {
		m.cfg.metrics.IncrementMessagesSent()
	}
	return err
}

func (m *Multiplexer) readLoop() {
	defer close(m.done)
	for {
		msg, err := ReadMessage(m.transport, m.checksumPolicy())
		if err != nil {
			m.shutdown(err)
			return
		}
		m.cfg.metrics.IncrementMessagesReceived()
		m.dispatch(msg)
	}
}

func (m *Multiplexer) dispatch(msg Message) {
	switch msg.Header.Command {
	case CmdWRTE:
		m.handleWrite(msg)
	case CmdOKAY:
		m.handleOkay(msg)
	case CmdCLSE:
		m.handleClose(msg)
	case CmdOPEN:
		// The host side never accepts incoming OPEN; adbd doesn't send
		// them to a client connection. Reject defensively.
		_ = m.writeFrame(CmdCLSE, 0, msg.Header.Arg0, nil)
	default:
		m.logger.Debug().Str("command", msg.Header.Command.String()).Msg("ignoring unexpected message in stream phase")
	}
}

func (m *Multiplexer) handleWrite(msg Message) {
	s, ok := m.lookupStream(msg.Header.Arg1)
	if !ok {
		_ = m.writeFrame(CmdCLSE, 0, msg.Header.Arg0, nil)
		return
	}
	s.deliverData(msg.Payload)
	_ = m.writeFrame(CmdOKAY, s.localID, s.remoteID.Load(), nil)
}

func (m *Multiplexer) handleOkay(msg Message) {
	s, ok := m.lookupStream(msg.Header.Arg1)
	if !ok {
		return
	}
	if s.currentState() == streamOpening {
		s.confirmOpen(msg.Header.Arg0, nil)
		return
	}
	s.releaseWritePermit()
}

func (m *Multiplexer) handleClose(msg Message) {
	s, ok := m.lookupStream(msg.Header.Arg1)
	if !ok {
		return
	}
	if s.currentState() == streamOpening {
		s.confirmOpen(0, ErrServiceRejected)
		return
	}
	// Acknowledge the peer's close before tearing the stream down locally,
	// matching adbd's own half-close handshake.
	_ = m.writeFrame(CmdCLSE, s.localID, s.remoteID.Load(), nil)
	s.remoteClose()
	m.cfg.metrics.IncrementStreamsClosed()
}

func (m *Multiplexer) shutdown(cause error) {
	m.closeOnce.Do(func() {
		m.closeErr = cause
		m.cancel()

		m.mu.Lock()
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		m.mu.Unlock()

		for _, s := range streams {
			s.remoteClose()
		}
		_ = m.transport.Close()
	})
}

// Close tears down the multiplexer and every open stream.
func (m *Multiplexer) Close() error {
	m.shutdown(ErrTransportClosed)
	<-m.done
	if errors.Is(m.closeErr, ErrTransportClosed) {
		return nil
	}
	return m.closeErr
}
