package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/sasl"
	mxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmlstream"
)

// TCPTransport dials client-to-server streams over TCP with StartTLS, SASL
// and resource binding.
type TCPTransport struct {
	// Server overrides the host taken from the account domain.
	Server      string
	Port        int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Connect dials the server and negotiates an authenticated session for addr.
// The resource of addr is requested during binding; the server may replace it.
func (t *TCPTransport) Connect(ctx context.Context, addr jid.JID, password string) (Stream, error) {
	server := t.Server
	if server == "" {
		server = addr.Domain().String()
	}
	port := t.Port
	if port == 0 {
		port = 5222
	}
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(server, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: addr.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := mxmpp.NewNegotiator(func(_ *mxmpp.Session, _ *mxmpp.StreamConfig) mxmpp.StreamConfig {
		return mxmpp.StreamConfig{
			Features: []mxmpp.StreamFeature{
				mxmpp.StartTLS(tlsConfig),
				mxmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				mxmpp.BindResource(),
			},
		}
	})

	session, err := mxmpp.NewSession(ctx, addr.Domain(), addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("failed to negotiate session: %w", err)
	}

	s := &tcpStream{
		conn:    conn,
		session: session,
		events:  make(chan Event, 128),
		logger:  logger,
	}
	s.events <- Event{State: StateOnline}
	go s.serve()

	return s, nil
}

type tcpStream struct {
	conn    net.Conn
	session *mxmpp.Session
	events  chan Event
	logger  *zap.Logger

	mu      sync.Mutex
	closing bool
}

func (s *tcpStream) Events() <-chan Event {
	return s.events
}

func (s *tcpStream) LocalAddr() jid.JID {
	return s.session.LocalAddr()
}

func (s *tcpStream) Send(ctx context.Context, st *Stanza) error {
	return s.session.Encode(ctx, st)
}

// Close announces unavailability and shuts the stream down. The final
// StateOffline event is emitted by the serve loop.
func (s *tcpStream) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.session.Encode(ctx, NewPresence("unavailable", ""))
	err := s.session.Close()
	if cerr := s.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

func (s *tcpStream) serve() {
	defer close(s.events)

	err := s.session.Serve(mxmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		st := &Stanza{}
		if err := xml.NewTokenDecoder(t).DecodeElement(st, start); err != nil {
			s.logger.Warn("dropping undecodable stanza", zap.String("element", start.Name.Local), zap.Error(err))
			return nil
		}
		s.events <- Event{Stanza: st}
		return nil
	}))

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if err != nil && !closing {
		s.events <- Event{State: StateError, Err: err}
		return
	}
	s.events <- Event{State: StateOffline}
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "account-disabled") ||
		strings.Contains(msg, "credentials-expired")
}
