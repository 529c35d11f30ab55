// Package conn implements one memcached server connection: socket
// lifecycle, dead/alive bookkeeping, and line-oriented protocol
// framing. It is the most load-bearing package in this module — see
// SPEC_FULL.md §2.
package conn

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrConnectionDead is returned (or logged and swallowed, depending on
// raiseOnDead) when the remote end closes the socket or a dead
// connection is used.
var ErrConnectionDead = errors.New("conn: connection dead")

const (
	// DefaultDeadRetry is how long a connection stays blacklisted
	// after mark_dead before the next connect() attempt is allowed.
	DefaultDeadRetry = 30 * time.Second
	// DefaultSocketTimeout bounds every connect/send/recv call.
	DefaultSocketTimeout = 3 * time.Second

	readChunk = 4096
)

var (
	crlf = []byte("\r\n")

	tokEnd = []byte("END")
	tokOK  = []byte("OK")
)

// Config holds the per-connection settings a Pool/Client supplies.
type Config struct {
	DeadRetry         time.Duration
	SocketTimeout     time.Duration
	FlushOnReconnect  bool
	Logger            *log.Logger
	Debug             bool
}

func (c Config) deadRetry() time.Duration {
	if c.DeadRetry > 0 {
		return c.DeadRetry
	}
	return DefaultDeadRetry
}

func (c Config) socketTimeout() time.Duration {
	if c.SocketTimeout > 0 {
		return c.SocketTimeout
	}
	return DefaultSocketTimeout
}

// Connection owns one TCP or UNIX-domain socket to a single memcached
// endpoint, plus the receive buffer and dead/alive state for it.
//
// A Connection's socket must never be driven by two operations at
// once (spec's concurrency model explicitly forbids it — reading a
// response for one request could otherwise consume bytes belonging to
// another). Connection does not serialize its own methods; callers
// that may share a Connection across goroutines must hold mu for the
// full connect-send-receive exchange via Lock/Unlock.
type Connection struct {
	Addr   Addr
	Weight int

	cfg Config

	mu sync.Mutex

	socket             net.Conn
	rx                 []byte
	deadUntil          time.Time
	flushOnNextConnect bool

	now func() time.Time // overridable for tests
}

// Lock acquires the connection's exchange mutex. Callers that resolve
// a Connection from a shared Pool must hold this for the entire
// connect-if-needed/send/receive sequence of one logical operation,
// releasing it only once that operation's response has been fully
// read (or failed).
func (c *Connection) Lock() { c.mu.Lock() }

// Unlock releases the mutex acquired by Lock.
func (c *Connection) Unlock() { c.mu.Unlock() }

// New constructs a Connection for addr. weight must be >= 1.
func New(addr Addr, weight int, cfg Config) *Connection {
	if weight < 1 {
		weight = 1
	}
	return &Connection{
		Addr:   addr,
		Weight: weight,
		cfg:    cfg,
		now:    time.Now,
	}
}

// String renders the connection the way the original python-memcached
// Connection.__str__ does: "inet:host:port" or "inet:host:port (dead
// until <unix ts>)" when blacklisted. Debug use only.
func (c *Connection) String() string {
	s := c.Addr.String()
	if !c.deadUntil.IsZero() && c.deadUntil.After(c.now()) {
		s += fmt.Sprintf(" (dead until %d)", c.deadUntil.Unix())
	}
	return s
}

func (c *Connection) logf(format string, args ...any) {
	if !c.cfg.Debug {
		return
	}
	l := c.cfg.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

// Alive reports whether the connection is outside its dead_until
// window: never marked dead, or dead_until has already passed. It does
// not attempt any I/O.
func (c *Connection) Alive() bool {
	return c.deadUntil.IsZero() || !c.deadUntil.After(c.now())
}

// checkDead clears a stale dead_until once it has passed, matching the
// python source's _check_dead, which resets deaduntil to 0 once the
// retry window has elapsed.
func (c *Connection) checkDead() bool {
	if !c.deadUntil.IsZero() && c.deadUntil.After(c.now()) {
		return true
	}
	c.deadUntil = time.Time{}
	return false
}

// Connect opens the socket if necessary. It returns false without
// attempting I/O if the connection is still within its dead_until
// window. Any failure marks the connection dead again.
func (c *Connection) Connect() bool {
	if c.checkDead() {
		return false
	}
	if c.socket != nil {
		return true
	}

	d := net.Dialer{Timeout: c.cfg.socketTimeout()}
	sock, err := d.Dial(c.Addr.Network(), c.Addr.Dial())
	if err != nil {
		c.MarkDead(fmt.Sprintf("connect: %v", err))
		return false
	}

	c.socket = sock
	c.rx = nil

	if c.flushOnNextConnect {
		c.flushOnNextConnect = false
		if err := c.Flush(); err != nil {
			c.MarkDead(fmt.Sprintf("flush on reconnect failed: %v", err))
			return false
		}
	}
	return true
}

// Close closes the socket without marking the connection dead —
// explicit shutdown, not a failure.
func (c *Connection) Close() error {
	if c.socket == nil {
		return nil
	}
	err := c.socket.Close()
	c.socket = nil
	return err
}

// MarkDead blacklists this connection for cfg.DeadRetry, closes its
// socket, and — when the client opted into flush-on-reconnect — arms
// flushOnNextConnect so the next successful Connect flushes the server
// before any user command reaches it. See spec §4.2 "Mark dead" for
// the staleness rationale.
func (c *Connection) MarkDead(reason string) {
	c.logf("conn: %s: %s, marking dead", c.Addr, reason)
	c.deadUntil = c.now().Add(c.cfg.deadRetry())
	if c.cfg.FlushOnReconnect {
		c.flushOnNextConnect = true
	}
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
}

func (c *Connection) deadline() {
	if c.socket != nil {
		_ = c.socket.SetDeadline(time.Now().Add(c.cfg.socketTimeout()))
	}
}

// SendOne appends "\r\n" to cmd and transmits it.
func (c *Connection) SendOne(cmd []byte) error {
	return c.Send([][]byte{append(append([]byte{}, cmd...), crlf...)})
}

// Send transmits a list of already "\r\n"-terminated frames as one
// concatenated write, for pipelined multi-key fan-out.
func (c *Connection) Send(frames [][]byte) error {
	if c.socket == nil {
		c.MarkDead("send on closed socket")
		return ErrConnectionDead
	}
	c.deadline()
	if _, err := c.socket.Write(bytes.Join(frames, nil)); err != nil {
		c.MarkDead(fmt.Sprintf("send: %v", err))
		return fmt.Errorf("conn: send: %w", err)
	}
	return nil
}

func (c *Connection) fill() ([]byte, error) {
	if c.socket == nil {
		return nil, errEOF
	}
	c.deadline()
	buf := make([]byte, readChunk)
	n, err := c.socket.Read(buf)
	if n > 0 {
		c.rx = append(c.rx, buf[:n]...)
	}
	if n == 0 && err == nil {
		err = errEOF
	}
	return c.rx, err
}

// ReadLine finds the next "\r\n"-terminated line in the receive
// buffer, refilling from the socket as needed. The terminator is
// consumed but not returned. A zero-byte read (remote close) marks the
// connection dead; if raiseOnDead, ErrConnectionDead is returned,
// otherwise a nil, nil line is returned (mirroring spec §4.2).
func (c *Connection) ReadLine(raiseOnDead bool) ([]byte, error) {
	for {
		if idx := bytes.Index(c.rx, crlf); idx >= 0 {
			line := c.rx[:idx]
			c.rx = c.rx[idx+2:]
			return line, nil
		}
		_, err := c.fill()
		if err != nil {
			c.MarkDead("connection closed in readline()")
			if raiseOnDead {
				return nil, ErrConnectionDead
			}
			return nil, nil
		}
	}
}

// Expect reads one line and compares it against literal, for debug
// logging of protocol desync; it always returns the line it read.
func (c *Connection) Expect(literal []byte, raiseOnDead bool) ([]byte, error) {
	line, err := c.ReadLine(raiseOnDead)
	if err != nil {
		return nil, err
	}
	if c.cfg.Debug && !bytes.Equal(line, literal) {
		c.logf("conn: %s: while expecting %q, got %q", c.Addr, literal, line)
	}
	return line, nil
}

// RecvExact reads exactly n bytes, refilling from the socket as
// needed. An unexpected EOF is a protocol-level failure, not a
// dead-connection one — the caller is responsible for deciding whether
// to mark the connection dead.
func (c *Connection) RecvExact(n int) ([]byte, error) {
	for len(c.rx) < n {
		_, err := c.fill()
		if err != nil {
			return nil, fmt.Errorf("conn: recv_exact: read %d of %d bytes: %w", len(c.rx), n, err)
		}
	}
	out := c.rx[:n]
	c.rx = c.rx[n:]
	return out, nil
}

// Flush issues flush_all and expects OK. Used both for the public
// FlushAll operation and for flush-on-reconnect.
func (c *Connection) Flush() error {
	if err := c.SendOne([]byte("flush_all")); err != nil {
		return err
	}
	line, err := c.Expect(tokOK, true)
	if err != nil {
		return err
	}
	if !bytes.Equal(line, tokOK) {
		return fmt.Errorf("conn: flush_all: unexpected response %q", line)
	}
	return nil
}

// ValueHeader is the parsed form of a "VALUE <key> <flags> <len>
// [<cas>]" response line.
type ValueHeader struct {
	Key   []byte
	Flags uint16
	Len   int
	CAS   uint64
}

// ParseValueHeader parses a "VALUE <key> <flags> <len>" line (get/set
// family, no CAS token). ok is false for a bare "END" line.
func ParseValueHeader(line []byte) (hdr ValueHeader, ok bool, err error) {
	return parseValueHeader(line, false)
}

// ParseCASValueHeader parses a "VALUE <key> <flags> <len> <cas>" line,
// as returned by gets.
func ParseCASValueHeader(line []byte) (hdr ValueHeader, ok bool, err error) {
	return parseValueHeader(line, true)
}

func parseValueHeader(line []byte, wantCAS bool) (ValueHeader, bool, error) {
	if bytes.Equal(line, tokEnd) {
		return ValueHeader{}, false, nil
	}
	fields := bytes.Fields(line)
	minFields := 4
	if wantCAS {
		minFields = 5
	}
	if len(fields) < minFields || !bytes.Equal(fields[0], []byte("VALUE")) {
		return ValueHeader{}, false, fmt.Errorf("conn: unexpected response line %q", line)
	}
	flags, err := strconv.ParseUint(string(fields[2]), 10, 16)
	if err != nil {
		return ValueHeader{}, false, fmt.Errorf("conn: parse flags in %q: %w", line, err)
	}
	length, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		return ValueHeader{}, false, fmt.Errorf("conn: parse length in %q: %w", line, err)
	}
	hdr := ValueHeader{Key: fields[1], Flags: uint16(flags), Len: length}
	if wantCAS {
		cas, err := strconv.ParseUint(string(fields[4]), 10, 64)
		if err != nil {
			return ValueHeader{}, false, fmt.Errorf("conn: parse cas in %q: %w", line, err)
		}
		hdr.CAS = cas
	}
	return hdr, true, nil
}

// errEOF is a tiny indirection so fill()'s zero-read path reads
// naturally without importing io just for io.EOF comparisons, since
// both io.EOF and a net.Conn read error are treated identically here
// (any non-nil error or zero-length read ends the line/recv loop).
var errEOF = errors.New("conn: eof")
