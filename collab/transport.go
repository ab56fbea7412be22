package collab

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultReadTimeout drops peers that send nothing for this long
	DefaultReadTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 5 * time.Second
	// DefaultMaxMalformed is the number of consecutive undecodable messages
	// tolerated before a connection is dropped
	DefaultMaxMalformed = 5
)

// TransportConfig configures the stream transport.
type TransportConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxMalformed int
}

// DefaultTransportConfig returns the default timeouts and malformed limit
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		MaxMalformed: DefaultMaxMalformed,
	}
}

// MessageHandler receives every complete frame read from a peer.
// Returning ErrMalformedMessage or ErrUnknownMessageType counts towards the
// connection's malformed limit; other errors are logged only.
type MessageHandler interface {
	OnMessageReceived(peer *Peer, buf []byte) error
}

// ReadFrame reads one framed message (header included) from r.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - ErrPeerTimeout: the read deadline expired
//   - ErrPeerDisconnected: the stream ended mid-frame
//   - *MessageError (ErrMalformedMessage): the declared length cannot be
//     framed; the stream cannot be resynchronised
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, streamError(err, "failed to read header")
	}

	t := MessageType(binary.BigEndian.Uint32(header[0:4]))
	declared := binary.BigEndian.Uint32(header[4:8])
	if declared < HeaderSize || declared > MaxMessageSize {
		return nil, malformed(t, "declared length %d outside [%d, %d]", declared, HeaderSize, MaxMessageSize)
	}

	buf := make([]byte, declared)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return nil, streamError(err, "failed to read body")
	}
	return buf, nil
}

// streamError maps an I/O failure onto the peer error taxonomy
func streamError(err error, msg string) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", msg, ErrPeerTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", msg, ErrPeerDisconnected, err)
}

// writeFrame encodes and writes a message within the given timeout
func writeFrame(conn net.Conn, m *Message, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return streamError(err, "failed to set write deadline")
		}
	}
	if _, err := conn.Write(Encode(m)); err != nil {
		return streamError(err, fmt.Sprintf("failed to write %s", m.Type))
	}
	return nil
}

// Peer is one accepted connection on the server side.
type Peer struct {
	server *Server
	conn   net.Conn
	remote string

	writeMu sync.Mutex
}

// Remote returns the peer's remote address
func (p *Peer) Remote() string {
	return p.remote
}

// Agent returns the agent id bound by Hello, or "" before the handshake
func (p *Peer) Agent() string {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	return p.server.agentOf[p]
}

// Bind associates the connection with an agent id. A newer connection for
// the same agent replaces the older one for Send.
func (p *Peer) Bind(agent string) {
	s := p.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.agentOf[p]; ok && old != agent && s.byAgent[old] == p {
		delete(s.byAgent, old)
	}
	s.agentOf[p] = agent
	s.byAgent[agent] = p
}

// Send writes a message to this peer
func (p *Peer) Send(m *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, m, p.server.cfg.WriteTimeout)
}

// Server accepts agent connections and runs one receive loop per peer.
type Server struct {
	cfg     TransportConfig
	handler MessageHandler
	log     *zap.Logger
	metrics *Counters

	mu        sync.Mutex
	listeners []net.Listener
	peers     map[*Peer]struct{}
	agentOf   map[*Peer]string
	byAgent   map[string]*Peer
	closed    bool

	wg sync.WaitGroup
}

// NewServer creates a transport server delivering frames to handler
func NewServer(cfg TransportConfig, handler MessageHandler, logger *zap.Logger, metrics *Counters) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMalformed <= 0 {
		cfg.MaxMalformed = DefaultMaxMalformed
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     logger.Named("transport"),
		metrics: metrics,
		peers:   make(map[*Peer]struct{}),
		agentOf: make(map[*Peer]string),
		byAgent: make(map[string]*Peer),
	}
}

// Listen opens a TCP listener on addr
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled or the server is
// closed. Returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrSessionClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("transport listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ServeConn runs the receive loop of one connection until it fails, then
// closes it. Consensus already fed by the peer is unaffected.
func (s *Server) ServeConn(conn net.Conn) {
	p := &Peer{server: s, conn: conn, remote: conn.RemoteAddr().String()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	log := s.log.With(zap.String("remote", p.remote))
	log.Info("peer connected")
	defer s.drop(p)

	consecutive := 0
	for {
		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				log.Warn("failed to set read deadline", zap.Error(err))
				return
			}
		}

		buf, err := ReadFrame(conn)
		switch {
		case err == nil:
		case err == io.EOF || errors.Is(err, ErrPeerDisconnected):
			s.metrics.IncPeerDisconnect()
			log.Info("peer disconnected", zap.String("agent", p.Agent()))
			return
		case errors.Is(err, ErrPeerTimeout):
			s.metrics.IncPeerTimeout()
			log.Warn("peer timed out", zap.String("agent", p.Agent()), zap.Duration("timeout", s.cfg.ReadTimeout))
			return
		default:
			s.metrics.IncMalformed()
			log.Warn("unframeable stream, dropping peer", zap.Error(err))
			return
		}

		err = s.handler.OnMessageReceived(p, buf)
		switch {
		case err == nil:
			consecutive = 0
		case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrUnknownMessageType):
			consecutive++
			if consecutive >= s.cfg.MaxMalformed {
				log.Warn("too many malformed messages, dropping peer",
					zap.Int("consecutive", consecutive), zap.Error(err))
				return
			}
		default:
			consecutive = 0
			log.Debug("message not applied", zap.Error(err))
		}
	}
}

func (s *Server) drop(p *Peer) {
	p.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent, ok := s.agentOf[p]; ok && s.byAgent[agent] == p {
		delete(s.byAgent, agent)
	}
	delete(s.agentOf, p)
	delete(s.peers, p)
}

// Send writes a message to the connection bound to agent
func (s *Server) Send(agent string, m *Message) error {
	s.mu.Lock()
	p, ok := s.byAgent[agent]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, agent)
	}
	return p.Send(m)
}

// NotifyAccepted sends an accepted notice to both agents of the pair when
// they are connected.
func (s *Server) NotifyAccepted(at AcceptedTransform) {
	m, err := NewAcceptedNotice(at)
	if err != nil {
		s.log.Warn("cannot encode accepted notice", zap.Stringer("pair", at.Pair), zap.Error(err))
		return
	}
	for _, agent := range []string{at.Pair.A, at.Pair.B} {
		if err := s.Send(agent, m); err != nil && !errors.Is(err, ErrUnknownPeer) {
			s.log.Warn("failed to send accepted notice", zap.String("agent", agent), zap.Error(err))
		}
	}
}

// Agents returns the sorted ids of agents with a live connection
func (s *Server) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byAgent))
	for a := range s.byAgent {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// PeerCount returns the number of open connections
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops accepting, tears down every connection and waits for the
// receive loops to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	for p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("transport closed")
	return nil
}

// Conn is the agent side of a transport connection.
type Conn struct {
	conn         net.Conn
	agent        string
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
}

// Dial connects to a coordinator and introduces the agent with Hello
func Dial(ctx context.Context, addr, agent string, cfg TransportConfig) (*Conn, error) {
	hello, err := NewHello(agent)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := NewConn(nc, agent, cfg)
	if err := c.Send(hello); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewConn wraps an established connection without sending Hello
func NewConn(nc net.Conn, agent string, cfg TransportConfig) *Conn {
	return &Conn{
		conn:         nc,
		agent:        agent,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Agent returns the agent id this connection speaks for
func (c *Conn) Agent() string {
	return c.agent
}

// Send writes one message
func (c *Conn) Send(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, m, c.writeTimeout)
}

// Receive reads and decodes the next message
func (c *Conn) Receive() (*Message, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, streamError(err, "failed to set read deadline")
		}
	}
	buf, err := ReadFrame(c.conn)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
		}
		return nil, err
	}
	return Decode(buf)
}

// Close closes the connection
func (c *Conn) Close() error {
	return c.conn.Close()
}
