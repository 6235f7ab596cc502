package adbc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// SyncCommand is one of the sync sub-protocol's inner command codes
// (spec.md §4.F), encoded the same way the outer Command codes are.
type SyncCommand uint32

var (
	syncSend = syncAsciiCmd("SEND")
	syncRecv = syncAsciiCmd("RECV")
	syncStat = syncAsciiCmd("STAT")
	syncList = syncAsciiCmd("LIST")
	syncDent = syncAsciiCmd("DENT")
	syncData = syncAsciiCmd("DATA")
	syncDone = syncAsciiCmd("DONE")
	syncOkay = syncAsciiCmd("OKAY")
	syncFail = syncAsciiCmd("FAIL")
	syncQuit = syncAsciiCmd("QUIT")
)

func syncAsciiCmd(s string) SyncCommand {
	return SyncCommand(asciiCmd(s))
}

// SyncMaxChunk is the sync sub-protocol's own DATA chunk ceiling (64 KiB),
// independent of the outer connection's negotiated max payload.
const SyncMaxChunk = 64 * 1024

// FileStat is the response to a sync STAT request.
type FileStat struct {
	Mode    uint32
	Size    uint32
	ModTime time.Time
}

// DirEntry is one entry in a sync LIST response.
type DirEntry struct {
	Name    string
	Mode    uint32
	Size    uint32
	ModTime time.Time
}

// SyncClient drives the sync sub-protocol over a single stream opened
// against the "sync:" service. It mirrors aznet's paginated table-listing
// driver in shape (request, then drain repeated response records until a
// terminator), adapted to ADB's SEND/RECV/STAT/LIST exchange.
type SyncClient struct {
	stream *Stream
	cfg    *Config
}

// Sync opens a sync: stream and returns a client for file transfer
// operations against it.
func (s *Session) Sync(ctx context.Context) (*SyncClient, error) {
	stream, err := s.OpenService(ctx, "sync:")
	if err != nil {
		return nil, err
	}
	return &SyncClient{stream: stream, cfg: s.cfg}, nil
}

// Close closes the underlying sync stream.
func (c *SyncClient) Close() error {
	return c.stream.Close()
}

func (c *SyncClient) sendHeader(cmd SyncCommand, value uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], value)
	_, err := c.stream.Write(buf[:])
	return err
}

func (c *SyncClient) sendRequest(cmd SyncCommand, path string) error {
	if err := c.sendHeader(cmd, uint32(len(path))); err != nil {
		return err
	}
	if len(path) == 0 {
		return nil
	}
	_, err := c.stream.Write([]byte(path))
	return err
}

func (c *SyncClient) readHeader() (SyncCommand, uint32, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.stream, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return SyncCommand(binary.LittleEndian.Uint32(buf[0:4])), binary.LittleEndian.Uint32(buf[4:8]), nil
}

func (c *SyncClient) readExact(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return buf, nil
}

func (c *SyncClient) readFailure(length uint32) error {
	msg, err := c.readExact(length)
	if err != nil {
		return err
	}
	return &SyncFailure{Message: string(msg)}
}

// Stat requests metadata for remotePath.
func (c *SyncClient) Stat(ctx context.Context, remotePath string) (FileStat, error) {
	if err := c.sendRequest(syncStat, remotePath); err != nil {
		return FileStat{}, err
	}
	cmd, mode, err := c.readHeader()
	if err != nil {
		return FileStat{}, err
	}
	switch cmd {
	case syncStat:
		rest, err := c.readExact(8)
		if err != nil {
			return FileStat{}, err
		}
		size := binary.LittleEndian.Uint32(rest[0:4])
		mtime := binary.LittleEndian.Uint32(rest[4:8])
		return FileStat{Mode: mode, Size: size, ModTime: time.Unix(int64(mtime), 0)}, nil
	case syncFail:
		return FileStat{}, c.readFailure(mode)
	default:
		return FileStat{}, fmt.Errorf("%w: unexpected sync reply %s to STAT", ErrInvalidResponse, cmd)
	}
}

// List lists the contents of remoteDir.
func (c *SyncClient) List(ctx context.Context, remoteDir string) ([]DirEntry, error) {
	if err := c.sendRequest(syncList, remoteDir); err != nil {
		return nil, err
	}

	var entries []DirEntry
	for {
		cmd, mode, err := c.readHeader()
		if err != nil {
			return nil, err
		}
		switch cmd {
		case syncDent:
			rest, err := c.readExact(12)
			if err != nil {
				return nil, err
			}
			size := binary.LittleEndian.Uint32(rest[0:4])
			mtime := binary.LittleEndian.Uint32(rest[4:8])
			nameLen := binary.LittleEndian.Uint32(rest[8:12])
			nameBytes, err := c.readExact(nameLen)
			if err != nil {
				return nil, err
			}
			entries = append(entries, DirEntry{
				Name:    string(nameBytes),
				Mode:    mode,
				Size:    size,
				ModTime: time.Unix(int64(mtime), 0),
			})
		case syncDone:
			return entries, nil
		case syncFail:
			return nil, c.readFailure(mode)
		default:
			return nil, fmt.Errorf("%w: unexpected sync reply %s during LIST", ErrInvalidResponse, cmd)
		}
	}
}

// Push sends data to remotePath with the given file mode, chunked into
// pieces no larger than the configured sync chunk size (SyncMaxChunk by
// default, see WithSyncChunkSize), finishing with DONE carrying mtime
// (unix seconds).
func (c *SyncClient) Push(ctx context.Context, remotePath string, mode uint32, mtime time.Time, data io.Reader) (int64, error) {
	header := remotePath + "," + strconv.FormatUint(uint64(mode), 8)
	if err := c.sendRequest(syncSend, header); err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, c.cfg.syncChunkSize)
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, readErr := data.Read(buf)
		if n > 0 {
			if err := c.sendHeader(syncData, uint32(n)); err != nil {
				return total, err
			}
			if _, err := c.stream.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			c.cfg.metrics.IncrementSyncBytesPushed(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("%w: %v", ErrIO, readErr)
		}
	}

	if err := c.sendHeader(syncDone, uint32(mtime.Unix())); err != nil {
		return total, err
	}

	cmd, value, err := c.readHeader()
	if err != nil {
		return total, err
	}
	switch cmd {
	case syncOkay:
		return total, nil
	case syncFail:
		return total, c.readFailure(value)
	default:
		return total, fmt.Errorf("%w: unexpected sync reply %s after push", ErrInvalidResponse, cmd)
	}
}

// Pull reads remotePath into w, returning the number of bytes written.
func (c *SyncClient) Pull(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	if err := c.sendRequest(syncRecv, remotePath); err != nil {
		return 0, err
	}

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		cmd, value, err := c.readHeader()
		if err != nil {
			return total, err
		}
		switch cmd {
		case syncData:
			chunk, err := c.readExact(value)
			if err != nil {
				return total, err
			}
			n, err := w.Write(chunk)
			total += int64(n)
			c.cfg.metrics.IncrementSyncBytesPulled(int64(n))
			if err != nil {
				return total, fmt.Errorf("%w: %v", ErrIO, err)
			}
		case syncDone:
			return total, nil
		case syncFail:
			return total, c.readFailure(value)
		default:
			return total, fmt.Errorf("%w: unexpected sync reply %s during pull", ErrInvalidResponse, cmd)
		}
	}
}

// Quit sends QUIT and closes the stream, the clean sync-session teardown
// adb itself performs before closing the underlying OPEN stream.
func (c *SyncClient) Quit() error {
	_ = c.sendHeader(syncQuit, 0)
	return c.stream.Close()
}

var syncCommandNames = map[SyncCommand]string{
	syncSend: "SEND",
	syncRecv: "RECV",
	syncStat: "STAT",
	syncList: "LIST",
	syncDent: "DENT",
	syncData: "DATA",
	syncDone: "DONE",
	syncOkay: "OKAY",
	syncFail: "FAIL",
	syncQuit: "QUIT",
}

func (c SyncCommand) String() string {
	if name, ok := syncCommandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}
