package adbc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DeviceInfo describes one entry from a host:devices listing.
type DeviceInfo struct {
	Serial     string
	State      string
	Properties map[string]string
}

// RunShell opens a shell:<command> stream, collects all output until the
// peer closes it, and returns the combined bytes. A single command rather
// than an interactive shell, the common case for host-side tooling.
func (s *Session) RunShell(ctx context.Context, command string) ([]byte, error) {
	stream, err := s.OpenService(ctx, "shell:"+command)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return out, nil
}

// ListDevices queries host:devices (or host:devices-l for properties) on
// an adb server connection and parses the tab-separated reply.
func (s *Session) ListDevices(ctx context.Context, long bool) ([]DeviceInfo, error) {
	service := "host:devices"
	if long {
		service = "host:devices-l"
	}

	reply, err := s.hostRequest(ctx, service)
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo
	scanner := bufio.NewScanner(strings.NewReader(string(reply)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := DeviceInfo{Serial: fields[0], State: fields[1], Properties: map[string]string{}}
		for _, f := range fields[2:] {
			if eq := strings.IndexByte(f, ':'); eq > 0 {
				dev.Properties[f[:eq]] = f[eq+1:]
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// ConnectTCPDevice asks an adb server to connect to a device listening on
// host:port (host:connect:host:port), returning the server's status text.
func (s *Session) ConnectTCPDevice(ctx context.Context, hostPort string) (string, error) {
	reply, err := s.hostRequest(ctx, "host:connect:"+hostPort)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// DisconnectTCPDevice asks an adb server to drop a TCP-connected device.
func (s *Session) DisconnectTCPDevice(ctx context.Context, hostPort string) (string, error) {
	reply, err := s.hostRequest(ctx, "host:disconnect:"+hostPort)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// hostRequest opens a host: service stream, reads the 4-byte OKAY/FAIL
// status adb's host-server protocol prefixes replies with, and returns the
// payload that follows (itself optionally length-prefixed as 4 hex
// digits, adb's usual framing for host: command replies).
func (s *Session) hostRequest(ctx context.Context, service string) ([]byte, error) {
	stream, err := s.OpenService(ctx, service)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	status := make([]byte, 4)
	if _, err := io.ReadFull(stream, status); err != nil {
		return nil, fmt.Errorf("%w: reading status: %v", ErrInvalidResponse, err)
	}

	body, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	switch string(status) {
	case "OKAY":
		if len(body) >= 4 {
			if n, lenErr := strconv.ParseUint(string(body[:4]), 16, 32); lenErr == nil && uint64(len(body)-4) >= n {
				return body[4 : 4+n], nil
			}
		}
		return body, nil
	case "FAIL":
		msg := body
		if len(body) >= 4 {
			if n, lenErr := strconv.ParseUint(string(body[:4]), 16, 32); lenErr == nil && uint64(len(body)-4) >= n {
				msg = body[4 : 4+n]
			}
		}
		return nil, &SyncFailure{Message: string(msg)}
	default:
		return nil, fmt.Errorf("%w: unrecognized host status %q", ErrInvalidResponse, status)
	}
}

// WatchDevices polls host:devices-l on an interval governed by an
// AdaptivePoll (fast right after a change, backing off to steady state
// when nothing changes), pushing a full snapshot to the returned channel
// whenever the device list differs from the previous poll. The channel is
// closed when ctx is cancelled.
func (s *Session) WatchDevices(ctx context.Context) <-chan []DeviceInfo {
	out := make(chan []DeviceInfo)
	go func() {
		defer close(out)
		poll := NewAdaptivePoll(s.cfg.watchFastPoll, s.cfg.watchSteadyPoll)
		var last string
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			devices, err := s.ListDevices(ctx, true)
			if err == nil {
				snapshot := deviceListKey(devices)
				if snapshot != last {
					last = snapshot
					poll.Reset()
					select {
					case out <- devices:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
				poll.Sleep()
			}
		}
	}()
	return out
}

func deviceListKey(devices []DeviceInfo) string {
	var b strings.Builder
	for _, d := range devices {
		b.WriteString(d.Serial)
		b.WriteByte(':')
		b.WriteString(d.State)
		b.WriteByte(';')
	}
	return b.String()
}
