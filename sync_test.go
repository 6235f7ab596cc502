package adbc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"
)

// peerStream plays the device side of a single multiplexed stream in sync
// sub-protocol tests, reassembling WRTE payloads into a byte stream and
// replying OKAY the way adbd's stream handler does, so test bodies can
// speak the sync wire format directly instead of juggling outer frames.
type peerStream struct {
	peer     Transport
	localID  uint32
	remoteID uint32

	inMu   sync.Mutex
	inCond *sync.Cond
	inBuf  bytes.Buffer
	inEOF  bool

	okayCh chan struct{}
}

func newPeerStream(peer Transport, localID uint32) *peerStream {
	p := &peerStream{peer: peer, localID: localID, okayCh: make(chan struct{}, 1)}
	p.inCond = sync.NewCond(&p.inMu)
	return p
}

// run handles exactly one OPEN and then dispatches WRTE/OKAY/CLSE for that
// stream until the host sends CLSE or the peer transport is closed.
func (p *peerStream) run(t *testing.T) {
	t.Helper()
	policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}

	open, err := ReadMessage(p.peer, policy)
	if err != nil {
		return
	}
	if open.Header.Command != CmdOPEN {
		t.Errorf("peerStream: expected OPEN, got %v", open.Header.Command)
		return
	}
	p.remoteID = open.Header.Arg0
	if err := WriteMessage(p.peer, CmdOKAY, p.localID, p.remoteID, nil, DefaultMaxPayload, policy); err != nil {
		t.Errorf("peerStream: reply OKAY: %v", err)
		return
	}

	for {
		msg, err := ReadMessage(p.peer, policy)
		if err != nil {
			p.inMu.Lock()
			p.inEOF = true
			p.inCond.Broadcast()
			p.inMu.Unlock()
			return
		}
		switch msg.Header.Command {
		case CmdWRTE:
			p.inMu.Lock()
			p.inBuf.Write(msg.Payload)
			p.inCond.Broadcast()
			p.inMu.Unlock()
			if err := WriteMessage(p.peer, CmdOKAY, p.localID, p.remoteID, nil, DefaultMaxPayload, policy); err != nil {
				t.Errorf("peerStream: ack WRTE: %v", err)
				return
			}
		case CmdOKAY:
			select {
			case p.okayCh <- struct{}{}:
			default:
			}
		case CmdCLSE:
			p.inMu.Lock()
			p.inEOF = true
			p.inCond.Broadcast()
			p.inMu.Unlock()
			return
		}
	}
}

func (p *peerStream) Read(b []byte) (int, error) {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	for p.inBuf.Len() == 0 && !p.inEOF {
		p.inCond.Wait()
	}
	if p.inBuf.Len() == 0 && p.inEOF {
		return 0, io.EOF
	}
	return p.inBuf.Read(b)
}

func (p *peerStream) Write(b []byte) (int, error) {
	policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}
	if err := WriteMessage(p.peer, CmdWRTE, p.localID, p.remoteID, b, DefaultMaxPayload, policy); err != nil {
		return 0, err
	}
	<-p.okayCh
	return len(b), nil
}

func (p *peerStream) readHeader() (SyncCommand, uint32, error) {
	var buf [8]byte
	if _, err := io.ReadFull(p, buf[:]); err != nil {
		return 0, 0, err
	}
	return SyncCommand(binary.LittleEndian.Uint32(buf[0:4])), binary.LittleEndian.Uint32(buf[4:8]), nil
}

func (p *peerStream) readExact(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	_, err := io.ReadFull(p, buf)
	return buf, err
}

func (p *peerStream) writeHeader(cmd SyncCommand, value uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], value)
	_, err := p.Write(buf[:])
	return err
}

func newTestSyncClient(t *testing.T) (*SyncClient, *peerStream) {
	t.Helper()
	mux, peerTransport := newTestMultiplexer(t)
	ps := newPeerStream(peerTransport, 9000)
	go ps.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := mux.OpenService(ctx, "sync:")
	if err != nil {
		t.Fatalf("OpenService sync: %v", err)
	}
	return &SyncClient{stream: stream, cfg: mux.cfg}, ps
}

func TestPushSpansMultipleDataChunks(t *testing.T) {
	sc, ps := newTestSyncClient(t)
	defer sc.Close()

	const size = 70000
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	serverDone := make(chan struct{})
	var receivedChunks int
	var receivedTotal int64
	go func() {
		defer close(serverDone)

		cmd, value, err := ps.readHeader()
		if err != nil || cmd != syncSend {
			t.Errorf("server: expected SEND header, got %v/%d err=%v", cmd, value, err)
			return
		}
		if _, err := ps.readExact(value); err != nil {
			t.Errorf("server: reading SEND path: %v", err)
			return
		}

		for {
			cmd, value, err := ps.readHeader()
			if err != nil {
				t.Errorf("server: reading chunk header: %v", err)
				return
			}
			if cmd == syncDone {
				break
			}
			if cmd != syncData {
				t.Errorf("server: expected DATA or DONE, got %v", cmd)
				return
			}
			if value > SyncMaxChunk {
				t.Errorf("DATA chunk size %d exceeds SyncMaxChunk", value)
			}
			chunk, err := ps.readExact(value)
			if err != nil {
				t.Errorf("server: reading DATA chunk: %v", err)
				return
			}
			receivedChunks++
			receivedTotal += int64(len(chunk))
		}

		if err := ps.writeHeader(syncOkay, 0); err != nil {
			t.Errorf("server: writing OKAY: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	n, err := sc.Push(ctx, "/sdcard/blob.bin", 0100644, time.Unix(1700000000, 0), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if n != size {
		t.Errorf("Push returned %d bytes, want %d", n, size)
	}

	<-serverDone
	if receivedTotal != size {
		t.Errorf("server received %d bytes total, want %d", receivedTotal, size)
	}
	if receivedChunks < 2 {
		t.Errorf("expected the push to span multiple DATA chunks, got %d", receivedChunks)
	}
}

func TestPullSurfacesFailure(t *testing.T) {
	sc, ps := newTestSyncClient(t)
	defer sc.Close()

	go func() {
		cmd, value, err := ps.readHeader()
		if err != nil || cmd != syncRecv {
			t.Errorf("server: expected RECV header, got %v/%d err=%v", cmd, value, err)
			return
		}
		if _, err := ps.readExact(value); err != nil {
			t.Errorf("server: reading RECV path: %v", err)
			return
		}
		msg := "No such file or directory"
		if err := ps.writeHeader(syncFail, uint32(len(msg))); err != nil {
			t.Errorf("server: writing FAIL header: %v", err)
			return
		}
		if _, err := ps.Write([]byte(msg)); err != nil {
			t.Errorf("server: writing FAIL message: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out bytes.Buffer
	_, err := sc.Pull(ctx, "/sdcard/missing.bin", &out)
	if err == nil {
		t.Fatal("expected Pull to fail")
	}
	failure, ok := err.(*SyncFailure)
	if !ok {
		t.Fatalf("err = %T, want *SyncFailure", err)
	}
	if failure.Message != "No such file or directory" {
		t.Errorf("failure message = %q", failure.Message)
	}
}
