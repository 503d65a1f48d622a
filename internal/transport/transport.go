// Package transport owns the sockets: the TCP accept loop with RPC
// record marking, the UDP datagram loop with its reply cache, and the
// worker admission that bounds concurrent in-flight calls.
//
// The transport parses framing and the RPC call header. Each complete
// record is decoded with rpc.DecodeCall and the call is handed to the
// dispatcher together with the client address; replies travel back on
// the originating connection or datagram address.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/metrics"
	"github.com/reeffs/reef/internal/rpc"
)

// Limits from the wire protocol.
const (
	// DefaultMaxRecord is the default bound on an assembled TCP record.
	DefaultMaxRecord = 1 << 20
	// MaxDatagram bounds a UDP request.
	MaxDatagram = 64 << 10
)

// Handler is the dispatch entry point the transport feeds.
type Handler interface {
	// Handle processes one decoded call; a nil reply means "drop".
	Handle(call *rpc.Call, clientAddr string) []byte
}

// Config tunes a Server.
type Config struct {
	BindAddress string
	Port        int

	EnableTCP bool
	EnableUDP bool

	// MaxConnections bounds concurrent TCP connections and sizes the
	// worker pool and the UDP reply cache.
	MaxConnections int

	// MaxRecord caps one TCP record; oversized input closes the
	// connection.
	MaxRecord uint32

	// IdleTimeout closes TCP connections with no traffic.
	IdleTimeout time.Duration

	// ReplyCacheTTL bounds UDP reply cache entries.
	ReplyCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 256
	}
	if c.MaxRecord == 0 {
		c.MaxRecord = DefaultMaxRecord
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReplyCacheTTL <= 0 {
		c.ReplyCacheTTL = 5 * time.Second
	}
}

// Server runs one TCP and one UDP endpoint on the same port.
type Server struct {
	cfg     Config
	handler Handler

	listener net.Listener
	udpConn  *net.UDPConn

	// sem admits workers; each in-flight call holds one slot.
	sem chan struct{}

	replyCache *replyCache

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewServer builds a server for the handler.
func NewServer(cfg Config, handler Handler) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:        cfg,
		handler:    handler,
		sem:        make(chan struct{}, cfg.MaxConnections),
		replyCache: newReplyCache(cfg.MaxConnections*4, cfg.ReplyCacheTTL),
		shutdown:   make(chan struct{}),
	}
}

// Serve binds the enabled endpoints and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)

	if s.cfg.EnableTCP {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("transport: listen tcp %s: %w", addr, err)
		}
		s.listener = l
		s.wg.Add(1)
		go s.acceptLoop()
		logger.Info("TCP listening", "addr", addr)
	}

	if s.cfg.EnableUDP {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("transport: resolve udp %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("transport: listen udp %s: %w", addr, err)
		}
		s.udpConn = conn
		s.wg.Add(1)
		go s.udpLoop()
		logger.Info("UDP listening", "addr", addr)
	}

	if s.listener == nil && s.udpConn == nil {
		return errors.New("transport: no transport enabled")
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the endpoints and waits for workers to drain.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
	})
	s.wg.Wait()
}

// Port reports the bound TCP port, useful when configured with port 0.
func (s *Server) Port() int {
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	if s.udpConn != nil {
		return s.udpConn.LocalAddr().(*net.UDPAddr).Port
	}
	return s.cfg.Port
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	// conns caps concurrent TCP connections at MaxConnections.
	conns := make(chan struct{}, s.cfg.MaxConnections)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		select {
		case conns <- struct{}{}:
		case <-s.shutdown:
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		metrics.OpenConnections.Inc()
		go func() {
			defer s.wg.Done()
			defer func() { <-conns }()
			defer metrics.OpenConnections.Dec()
			s.serveConn(conn)
		}()
	}
}

// serveConn reads records off one TCP connection until EOF, error, or
// idle timeout. Replies preserve completion order, not arrival order;
// clients demultiplex by XID.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	clientAddr := conn.RemoteAddr().String()

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		record, err := s.readRecord(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", "client", clientAddr, "error", err)
			}
			return
		}

		s.sem <- struct{}{}
		inflight.Add(1)
		go func(record []byte) {
			defer func() { <-s.sem; inflight.Done() }()

			reply := s.process(record, clientAddr)
			if reply == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := conn.Write(rpc.Frame(reply)); err != nil {
				logger.Debug("write failed", "client", clientAddr, "error", err)
			}
		}(record)
	}
}

// readRecord assembles one record from its marking fragments. A record
// larger than the configured cap is fatal for the connection.
func (s *Server) readRecord(conn net.Conn) ([]byte, error) {
	var record []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return nil, err
		}
		length, last := rpc.FragmentHeader(binary.BigEndian.Uint32(header[:]))

		if uint32(len(record))+length > s.cfg.MaxRecord {
			return nil, fmt.Errorf("record exceeds %d bytes", s.cfg.MaxRecord)
		}

		fragment := make([]byte, length)
		if _, err := io.ReadFull(conn, fragment); err != nil {
			return nil, err
		}
		record = append(record, fragment...)

		if last {
			return record, nil
		}
	}
}

// udpLoop serves one datagram per call. Malformed datagrams are dropped
// silently; retransmits within the cache window are answered from the
// reply cache without re-executing the call.
func (s *Server) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, MaxDatagram)

	for {
		n, peer, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			logger.Debug("udp read failed", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(datagram []byte, peer *net.UDPAddr) {
			defer func() { <-s.sem; s.wg.Done() }()

			call, err := rpc.DecodeCall(datagram)
			if err != nil {
				// Drop silently per the UDP error policy.
				return
			}

			key := cacheKey{addr: peer.String(), xid: call.XID}
			if reply, ok := s.replyCache.get(key); ok {
				metrics.ReplyCacheHits.Inc()
				_, _ = s.udpConn.WriteToUDP(reply, peer)
				return
			}

			reply := s.handler.Handle(call, peer.String())
			if reply == nil {
				return
			}
			s.replyCache.put(key, reply)
			_, _ = s.udpConn.WriteToUDP(reply, peer)
		}(datagram, peer)
	}
}

// process decodes and dispatches one TCP record. A decode failure is
// logged and returns nil: the caller sends no reply and keeps reading
// from the connection.
func (s *Server) process(record []byte, clientAddr string) []byte {
	start := time.Now()
	call, err := rpc.DecodeCall(record)
	if err != nil {
		logger.Debug("undecodable record", "client", clientAddr, "error", err)
		return nil
	}
	reply := s.handler.Handle(call, clientAddr)
	metrics.CallDuration.WithLabelValues("all").Observe(time.Since(start).Seconds())
	return reply
}

// ============================================================================
// UDP reply cache
// ============================================================================

type cacheKey struct {
	addr string
	xid  uint32
}

type cacheEntry struct {
	reply   []byte
	expires time.Time
}

// replyCache absorbs UDP retransmits: identical (address, xid) pairs
// within the TTL window get the identical reply bytes.
type replyCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

func newReplyCache(max int, ttl time.Duration) *replyCache {
	return &replyCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

func (c *replyCache) get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.reply, true
}

func (c *replyCache) put(key cacheKey, reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if len(c.entries) >= c.max {
		// Sweep expired entries first; if still full, drop arbitrary
		// entries to make room. The cache is best-effort.
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.max {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{reply: reply, expires: now.Add(c.ttl)}
}
