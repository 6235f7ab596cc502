package adbc

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is an established, authenticated ADB connection: the CNXN/AUTH
// handshake (spec.md §4.D) has completed and a Multiplexer now owns the
// transport. It is the ADB analogue of what aznet.Dial hands back as a
// net.Conn, correlated by the same kind of uuid connID aznet uses.
type Session struct {
	ID string

	ProtocolVersion uint32
	MaxPayload      uint32

	SystemType string
	Banner     string
	Properties map[string]string

	mux    *Multiplexer
	cfg    *Config
	logger zerolog.Logger
}

// GetMetrics implements the metricsProvider interface, letting callers do
// adbc.GetMetrics(session) without reaching into unexported fields.
func (s *Session) GetMetrics() Metrics { return s.cfg.metrics }

// OpenService opens a new multiplexed stream to the given ADB service
// string, e.g. "shell:ls -la" or "sync:".
func (s *Session) OpenService(ctx context.Context, service string) (*Stream, error) {
	return s.mux.OpenService(ctx, service)
}

// Close tears the session's multiplexer and transport down.
func (s *Session) Close() error {
	return s.mux.Close()
}

// Connect performs the CNXN/AUTH handshake over an already-open transport
// and returns a ready-to-use Session. signers may be empty only if the peer
// accepts connections without authentication (rare outside emulators);
// Connect surfaces ErrAuthenticationFailed if the peer challenges but no
// signer is available. On each re-challenge Connect advances to the next
// signer in signers before falling back to presenting the first signer's
// public key for on-device approval, the same key-iteration order real adb
// clients use against ~/.android/adbkey, adbkey.pub, and any keys loaded via
// ssh-agent-style extra key files.
func Connect(ctx context.Context, transport Transport, signers []Signer, opts ...Option) (*Session, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connID := uuid.New().String()
	logger := cfg.logger.With().Str("component", "connection").Str("conn_id", connID).Logger()

	callerCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	localBanner := buildBanner("host", map[string]string{
		"features": strings.Join(cfg.hostFeatures, ","),
	})

	policy := ChecksumPolicy{ProtocolVersion: cfg.protocolVersion}
	if err := WriteMessage(transport, CmdCNXN, cfg.protocolVersion, cfg.maxPayload, []byte(localBanner), cfg.maxPayload, policy); err != nil {
		return nil, fmt.Errorf("%w: sending CNXN: %v", ErrConnectionFailed, err)
	}
	cfg.metrics.IncrementMessagesSent()

	keyIndex := 0
	triedPublicKey := false
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, ctx.Err())
		default:
		}

		msg, err := readMessageWithDeadline(ctx, transport, policy)
		if err != nil {
			if triedPublicKey && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: no CNXN after presenting the public key: %v", ErrAuthenticationFailed, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		cfg.metrics.IncrementMessagesReceived()

		switch msg.Header.Command {
		case CmdCNXN:
			systemType, banner, props := parseBanner(string(msg.Payload))
			protocolVersion := msg.Header.Arg0
			maxPayload := msg.Header.Arg1
			if !sharesFeature(cfg.hostFeatures, props["features"]) {
				return nil, fmt.Errorf("%w: host features %v share nothing with peer features %q",
					ErrProtocolVersionMismatch, cfg.hostFeatures, props["features"])
			}
			if protocolVersion < cfg.protocolVersion {
				cfg.protocolVersion = protocolVersion
			}
			if maxPayload < cfg.maxPayload {
				cfg.maxPayload = maxPayload
			}
			session := &Session{
				ID:              connID,
				ProtocolVersion: cfg.protocolVersion,
				MaxPayload:      cfg.maxPayload,
				SystemType:      systemType,
				Banner:          banner,
				Properties:      props,
				cfg:             cfg,
				logger:          logger,
			}
			session.mux = newMultiplexer(cfg.ctx, transport, session, cfg)
			go func() {
				<-session.mux.ctx.Done()
				session.mux.shutdown(cfg.ctx.Err())
			}()
			logger.Info().Str("system_type", systemType).Uint32("max_payload", cfg.maxPayload).Msg("connection established")
			return session, nil

		case CmdSTLS:
			return nil, fmt.Errorf("%w: STLS upgrade", ErrUnsupportedOperation)

		case CmdAUTH:
			if msg.Header.Arg0 != AuthTypeToken {
				return nil, fmt.Errorf("%w: unexpected AUTH type %d", ErrInvalidResponse, msg.Header.Arg0)
			}
			if len(signers) == 0 {
				return nil, fmt.Errorf("%w: peer requires authentication and no signer was configured", ErrAuthenticationFailed)
			}

			if keyIndex < len(signers) {
				signer := signers[keyIndex]
				keyIndex++
				sig, err := signer.Sign(msg.Payload)
				if err != nil {
					return nil, fmt.Errorf("%w: signing token: %v", ErrAuthenticationFailed, err)
				}
				if err := WriteMessage(transport, CmdAUTH, AuthTypeSignature, 0, sig, cfg.maxPayload, policy); err != nil {
					return nil, fmt.Errorf("%w: sending AUTH signature: %v", ErrConnectionFailed, err)
				}
				cfg.metrics.IncrementMessagesSent()
				continue
			}

			if triedPublicKey {
				return nil, fmt.Errorf("%w: peer rejected every signing key and the public key fallback", ErrAuthenticationFailed)
			}

			// Every known key was rejected: fall back to presenting the
			// first key's public key for the user to accept on-device, the
			// same two-step real adb clients use, and widen the deadline
			// to authTimeout since this now waits on a human.
			triedPublicKey = true
			pub, err := signers[0].PublicKey()
			if err != nil {
				return nil, fmt.Errorf("%w: marshaling public key: %v", ErrAuthenticationFailed, err)
			}
			if err := WriteMessage(transport, CmdAUTH, AuthTypeRSAPublicKey, 0, append(pub, 0), cfg.maxPayload, policy); err != nil {
				return nil, fmt.Errorf("%w: sending AUTH public key: %v", ErrConnectionFailed, err)
			}
			cfg.metrics.IncrementMessagesSent()

			var authCancel context.CancelFunc
			ctx, authCancel = context.WithTimeout(callerCtx, cfg.authTimeout)
			defer authCancel()

		default:
			return nil, fmt.Errorf("%w: unexpected %s during handshake", ErrInvalidResponse, msg.Header.Command)
		}
	}
}

// sharesFeature reports whether any of hostFeatures appears in
// peerFeatures, a comma-separated list taken from the peer's banner.
func sharesFeature(hostFeatures []string, peerFeatures string) bool {
	if peerFeatures == "" {
		return len(hostFeatures) == 0
	}
	for _, pf := range strings.Split(peerFeatures, ",") {
		for _, hf := range hostFeatures {
			if pf == hf {
				return true
			}
		}
	}
	return false
}

// readMessageWithDeadline reads one message, honoring ctx's deadline via a
// background goroutine since the net.Conn-shaped Transport interface has
// no per-call context parameter on Read.
func readMessageWithDeadline(ctx context.Context, transport Transport, policy ChecksumPolicy) (Message, error) {
	type result struct {
		msg Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := ReadMessage(transport, policy)
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// buildBanner renders the "<state>::<k=v;k=v;...>" banner format CNXN
// payloads use, e.g. "host::features=shell_v2,cmd".
func buildBanner(state string, props map[string]string) string {
	var b strings.Builder
	b.WriteString(state)
	b.WriteString("::")
	first := true
	for k, v := range props {
		if v == "" {
			continue
		}
		if !first {
			b.WriteByte(';')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// parseBanner splits a CNXN payload into its system type (the part before
// "::"), the raw property string, and the parsed k=v property map.
func parseBanner(payload string) (systemType, raw string, props map[string]string) {
	props = make(map[string]string)
	parts := strings.SplitN(payload, "::", 2)
	systemType = parts[0]
	if len(parts) < 2 {
		return systemType, "", props
	}
	raw = parts[1]
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			props[kv] = ""
			continue
		}
		props[kv[:eq]] = kv[eq+1:]
	}
	return systemType, raw, props
}
