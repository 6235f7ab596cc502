package adbc

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

type streamState int32

const (
	streamOpening streamState = iota
	streamOpen
	streamClosing
	streamClosed
)

// Stream is one logical, multiplexed connection within a Session,
// identified by the (local_id, remote_id) pair spec.md §4.E describes.
// It implements io.ReadWriteCloser the way aznet.Conn implements net.Conn:
// the public surface hides the frame-by-frame bookkeeping underneath.
type Stream struct {
	mux      *Multiplexer
	localID  uint32
	remoteID atomic.Uint32

	state atomic.Int32

	inMu   sync.Mutex
	inCond *sync.Cond
	inBuf  bytes.Buffer
	inEOF  bool

	// writePermit enforces the one-in-flight-WRTE rule: a token must be
	// taken before sending a WRTE and is only returned when the peer's
	// OKAY for that write arrives.
	writePermit chan struct{}

	openedCh chan error
	closeCh  chan struct{}
	closeOnce sync.Once
}

func newStream(mux *Multiplexer, localID uint32) *Stream {
	s := &Stream{
		mux:         mux,
		localID:     localID,
		writePermit: make(chan struct{}, 1),
		openedCh:    make(chan error, 1),
		closeCh:     make(chan struct{}),
	}
	s.inCond = sync.NewCond(&s.inMu)
	s.state.Store(int32(streamOpening))
	s.writePermit <- struct{}{}
	return s
}

// LocalID and RemoteID return the stream's id pair, mainly for logging.
func (s *Stream) LocalID() uint32  { return s.localID }
func (s *Stream) RemoteID() uint32 { return s.remoteID.Load() }

func (s *Stream) currentState() streamState { return streamState(s.state.Load()) }

// Read blocks until data arrives, the peer closes the stream, or the
// stream is closed locally.
func (s *Stream) Read(p []byte) (int, error) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	for s.inBuf.Len() == 0 && !s.inEOF {
		s.inCond.Wait()
	}
	if s.inBuf.Len() == 0 && s.inEOF {
		return 0, io.EOF
	}
	return s.inBuf.Read(p)
}

// Write sends p as a sequence of WRTE frames no larger than the session's
// negotiated max payload, waiting for the peer's OKAY between each one.
func (s *Stream) Write(p []byte) (int, error) {
	sent := 0
	maxPayload := int(s.mux.maxPayload())
	for sent < len(p) {
		if s.currentState() != streamOpen {
			return sent, ErrStreamClosed
		}
		end := sent + maxPayload
		if end > len(p) {
			end = len(p)
		}
		chunk := p[sent:end]

		select {
		case <-s.writePermit:
		case <-s.closeCh:
			return sent, ErrStreamClosed
		case <-s.mux.ctx.Done():
			return sent, s.mux.ctx.Err()
		}

		if err := s.mux.writeFrame(CmdWRTE, s.localID, s.remoteID.Load(), chunk); err != nil {
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

// Close sends CLSE to the peer and releases the stream's resources. It is
// safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		prior := s.state.Swap(int32(streamClosed))
		if prior != int32(streamClosed) {
			err = s.mux.writeFrame(CmdCLSE, s.localID, s.remoteID.Load(), nil)
		}
		s.inMu.Lock()
		s.inEOF = true
		s.inCond.Broadcast()
		s.inMu.Unlock()
		close(s.closeCh)
		s.mux.removeStream(s.localID)
	})
	return err
}

// deliverData appends a received WRTE payload to the inbound buffer.
func (s *Stream) deliverData(payload []byte) {
	s.inMu.Lock()
	s.inBuf.Write(payload)
	s.inCond.Broadcast()
	s.inMu.Unlock()
}

// confirmOpen completes a pending OpenService call with remoteID or err.
func (s *Stream) confirmOpen(remoteID uint32, err error) {
	if err != nil {
		s.state.Store(int32(streamClosed))
	} else {
		s.remoteID.Store(remoteID)
		s.state.Store(int32(streamOpen))
	}
	select {
	case s.openedCh <- err:
	default:
	}
}

// releaseWritePermit returns the outbound token after the peer acks a WRTE.
func (s *Stream) releaseWritePermit() {
	select {
	case s.writePermit <- struct{}{}:
	default:
	}
}

// remoteClose marks the stream as closed by the peer without sending a
// reply CLSE (the caller does that once, from the multiplexer's dispatch).
func (s *Stream) remoteClose() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(streamClosed))
		s.inMu.Lock()
		s.inEOF = true
		s.inCond.Broadcast()
		s.inMu.Unlock()
		close(s.closeCh)
		s.mux.removeStream(s.localID)
	})
}
