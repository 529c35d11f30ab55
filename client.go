// Package memcache is a client for the memcached ASCII protocol:
// server selection with bounded rehashing, dead-server blacklisting,
// a flags-based value codec, and pipelined multi-key fan-out.
package memcache

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/mickamy/memcache/codec"
	"github.com/mickamy/memcache/conn"
	"github.com/mickamy/memcache/metrics"
	"github.com/mickamy/memcache/pool"
)

var (
	respStored    = []byte("STORED")
	respNotStored = []byte("NOT_STORED")
	respExists    = []byte("EXISTS")
	respNotFound  = []byte("NOT_FOUND")
	respDeleted   = []byte("DELETED")
	respTouched   = []byte("TOUCHED")
	respServerErr = []byte("SERVER_ERROR")
)

// callOpts holds the per-call settings CallOption mutates.
type callOpts struct {
	noreply bool
	hint    *pool.HintKey
}

// CallOption modifies the behavior of a single Client call, layered on
// top of the Client's construction-time Options.
type CallOption func(*callOpts)

// WithNoReply puts the command in the protocol's noreply mode: the
// verb line carries a trailing "noreply" token, the server sends no
// response, and the call returns as soon as the request is flushed —
// it cannot report whether the server accepted it. Only the storage,
// delete, touch, and counter commands support noreply; it has no
// effect on Get/Gets, which always expect a response.
func WithNoReply() CallOption {
	return func(o *callOpts) { o.noreply = true }
}

// WithHint resolves the target server from a precomputed bucket hash
// instead of hashing the key again — the 2-tuple (hash, key) form a
// key may take, letting a caller that already computed the key's hash
// (for example with pool.Hash) skip rehashing it.
func WithHint(hash uint32) CallOption {
	return func(o *callOpts) { o.hint = &pool.HintKey{Hash: hash} }
}

func resolveOpts(opts []CallOption) callOpts {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// firstPrefix returns the key_prefix argument passed to a multi-key
// call, or "" if none was given — the variadic parameter exists only
// so existing call sites with no prefix keep compiling unchanged.
func firstPrefix(prefix []string) string {
	if len(prefix) > 0 {
		return prefix[0]
	}
	return ""
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithSerializer installs the (de)serializer used for values that are
// neither raw bytes/strings nor integers.
func WithSerializer(ser *codec.Serializer) Option {
	return func(c *Client) { c.codec = codec.New(ser) }
}

// WithMinCompressLen sets the byte threshold above which Set/Add/etc.
// attempt zlib compression. 0 (the default) disables compression.
func WithMinCompressLen(n int) Option {
	return func(c *Client) { c.minCompressLen = n }
}

// WithSocketTimeout bounds every connect/send/recv call to a server.
func WithSocketTimeout(d time.Duration) Option {
	return func(c *Client) { c.connCfg.SocketTimeout = d }
}

// WithDeadRetry sets how long a server stays blacklisted after being
// marked dead.
func WithDeadRetry(d time.Duration) Option {
	return func(c *Client) { c.connCfg.DeadRetry = d }
}

// WithFlushOnReconnect, when set, flushes a server the first time a
// connection is reestablished to it after being marked dead.
func WithFlushOnReconnect(on bool) Option {
	return func(c *Client) { c.connCfg.FlushOnReconnect = on }
}

// WithLogger installs the logger used for connection-lifecycle
// messages. Debug must also be enabled for anything to be logged.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.connCfg.Logger = l }
}

// WithDebug enables verbose connection-lifecycle logging.
func WithDebug(on bool) Option {
	return func(c *Client) { c.connCfg.Debug = on }
}

// WithRecorder installs a metrics.Recorder. Omit it to run with a
// no-op recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// Client is a memcached client for a fixed set of servers, selected by
// weight at construction time.
type Client struct {
	pool     *pool.Pool
	codec    *codec.Codec
	connCfg  conn.Config
	recorder metrics.Recorder

	minCompressLen int

	mu     sync.Mutex
	casIDs map[string]uint64
}

// New constructs a Client against servers, each given as an endpoint
// string accepted by conn.ParseAddress ("host:port", "inet:host:port",
// "inet6:[host]:port", or "unix:/path/to/socket"), optionally suffixed
// with a weight as "endpoint:weight" is not supported — configure
// weights via WeightedServers instead.
func New(servers []string, opts ...Option) (*Client, error) {
	specs := make([]pool.Spec, 0, len(servers))
	for _, s := range servers {
		addr, err := conn.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, pool.Spec{Addr: addr, Weight: 1})
	}
	return newClient(specs, opts)
}

// WeightedServers pairs an endpoint string with an explicit bucket
// weight, for New's weight-bearing sibling constructor.
type WeightedServers map[string]int

// NewWeighted is New but with an explicit per-server weight.
func NewWeighted(servers WeightedServers, opts ...Option) (*Client, error) {
	specs := make([]pool.Spec, 0, len(servers))
	for endpoint, weight := range servers {
		addr, err := conn.ParseAddress(endpoint)
		if err != nil {
			return nil, err
		}
		specs = append(specs, pool.Spec{Addr: addr, Weight: weight})
	}
	return newClient(specs, opts)
}

func newClient(specs []pool.Spec, opts []Option) (*Client, error) {
	c := &Client{
		codec:    codec.New(nil),
		recorder: metrics.Noop(),
		casIDs:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = metrics.Noop()
	}

	p, err := pool.New(specs, c.connCfg)
	if err != nil {
		return nil, err
	}
	c.pool = p
	return c, nil
}

// Close closes every server connection currently open.
func (c *Client) Close() error {
	var firstErr error
	for _, cn := range c.pool.Connections() {
		if err := cn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveServer looks up the connection for key, honoring hint when
// given. The returned connection is locked; the caller must Unlock it
// once its exchange is complete.
func (c *Client) resolveServer(key string, hint *pool.HintKey) (*conn.Connection, bool) {
	if hint != nil {
		hk := *hint
		hk.Key = key
		return c.pool.GetServerHinted(hk)
	}
	return c.pool.GetServer(key)
}

// updateDeadServerGauge tallies the connections currently blacklisted
// across the whole pool and reports it to the recorder, so the
// dead-servers gauge reflects pool state rather than only the one
// connection that just failed.
func (c *Client) updateDeadServerGauge() {
	n := 0
	for _, cn := range c.pool.Connections() {
		if !cn.Alive() {
			n++
		}
	}
	c.recorder.SetDeadServerCount(n)
}

func withConnection[T any](c *Client, op string, key string, hint *pool.HintKey, fn func(*conn.Connection) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cn, ok := c.resolveServer(key, hint)
		if !ok {
			return zero, ErrNoServers
		}
		start := time.Now()
		v, err := fn(cn)
		cn.Unlock()
		c.recorder.ObserveOperation(op, cn.Addr.String(), time.Since(start), err)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, conn.ErrConnectionDead) {
			c.recorder.ObserveDeadServer(cn.Addr.String())
			c.updateDeadServerGauge()
			lastErr = err
			continue
		}
		return zero, err
	}
	if lastErr != nil {
		return zero, fmt.Errorf("memcache: %s: %w", op, ErrNoServers)
	}
	return zero, ErrNoServers
}

func parseServerErr(line []byte) error {
	if bytes.HasPrefix(line, respServerErr) {
		return &serverError{msg: string(bytes.TrimSpace(line[len(respServerErr):]))}
	}
	return fmt.Errorf("memcache: unexpected response %q", line)
}

// --- single-key storage ---

func (c *Client) store(op string, key string, value any, exptime int32, casUnique uint64, opts ...CallOption) error {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return err
	}
	flags, data, ok, err := c.codec.Encode(value, c.minCompressLen)
	if err != nil {
		// A codec failure (serializer error, value too large) never
		// touches the connection and is surfaced the same way the
		// server itself would refuse the store.
		return ErrNotStored
	}
	if !ok {
		return ErrNotStored
	}

	_, err = withConnection(c, op, key, o.hint, func(cn *conn.Connection) (struct{}, error) {
		line := fmt.Sprintf("%s %s %d %d %d", op, key, flags, exptime, len(data))
		if op == "cas" {
			line += fmt.Sprintf(" %d", casUnique)
		}
		if o.noreply {
			line += " noreply"
		}
		frames := [][]byte{
			[]byte(line + "\r\n"),
			append(append([]byte{}, data...), []byte("\r\n")...),
		}
		if err := cn.Send(frames); err != nil {
			return struct{}{}, err
		}
		if o.noreply {
			return struct{}{}, nil
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return struct{}{}, err
		}
		switch {
		case bytes.Equal(resp, respStored):
			return struct{}{}, nil
		case bytes.Equal(resp, respNotStored):
			return struct{}{}, ErrNotStored
		case bytes.Equal(resp, respExists):
			return struct{}{}, ErrCASConflict
		case bytes.Equal(resp, respNotFound):
			return struct{}{}, ErrCacheMiss
		default:
			return struct{}{}, parseServerErr(resp)
		}
	})
	return err
}

// Set unconditionally stores value under key.
func (c *Client) Set(key string, value any, exptime int32, opts ...CallOption) error {
	return c.store("set", key, value, exptime, 0, opts...)
}

// Add stores value under key only if key does not already exist. It
// returns ErrNotStored if it does.
func (c *Client) Add(key string, value any, exptime int32, opts ...CallOption) error {
	return c.store("add", key, value, exptime, 0, opts...)
}

// Replace stores value under key only if key already exists. It
// returns ErrNotStored if it does not.
func (c *Client) Replace(key string, value any, exptime int32, opts ...CallOption) error {
	return c.store("replace", key, value, exptime, 0, opts...)
}

// Append adds value to the end of the existing item stored under key.
// Both the flags and expiration of the existing item are kept; value
// is always sent raw, never through the codec, matching the protocol.
func (c *Client) Append(key string, value []byte, opts ...CallOption) error {
	return c.rawStore("append", key, value, opts...)
}

// Prepend adds value to the beginning of the existing item stored
// under key.
func (c *Client) Prepend(key string, value []byte, opts ...CallOption) error {
	return c.rawStore("prepend", key, value, opts...)
}

func (c *Client) rawStore(op string, key string, value []byte, opts ...CallOption) error {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := withConnection(c, op, key, o.hint, func(cn *conn.Connection) (struct{}, error) {
		line := fmt.Sprintf("%s %s 0 0 %d", op, key, len(value))
		if o.noreply {
			line += " noreply"
		}
		frames := [][]byte{
			[]byte(line + "\r\n"),
			append(append([]byte{}, value...), []byte("\r\n")...),
		}
		if err := cn.Send(frames); err != nil {
			return struct{}{}, err
		}
		if o.noreply {
			return struct{}{}, nil
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return struct{}{}, err
		}
		switch {
		case bytes.Equal(resp, respStored):
			return struct{}{}, nil
		case bytes.Equal(resp, respNotStored):
			return struct{}{}, ErrNotStored
		default:
			return struct{}{}, parseServerErr(resp)
		}
	})
	return err
}

// Cas stores value under key using the CAS token most recently
// observed for that key via Gets. If no token has been observed, it
// degrades to a plain Set — mirroring the original client's
// unsafe_set behavior for keys nobody has read through Gets yet. A
// stale token is reported as ErrCASConflict.
func (c *Client) Cas(key string, value any, exptime int32, opts ...CallOption) error {
	c.mu.Lock()
	token, known := c.casIDs[key]
	delete(c.casIDs, key)
	c.mu.Unlock()

	if !known {
		return c.store("set", key, value, exptime, 0, opts...)
	}
	return c.store("cas", key, value, exptime, token, opts...)
}

// --- single-key retrieval ---

// Get retrieves key's value. It returns ErrCacheMiss if key does not
// exist. WithNoReply has no effect on Get; only WithHint is honored.
func (c *Client) Get(key string, opts ...CallOption) (any, error) {
	item, err := c.get("get", key, opts...)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

// Gets retrieves key's value along with its CAS token, and records
// that token for a subsequent Cas call on the same key.
func (c *Client) Gets(key string, opts ...CallOption) (Item, error) {
	item, err := c.get("gets", key, opts...)
	if err != nil {
		return Item{}, err
	}
	c.mu.Lock()
	c.casIDs[key] = item.CAS
	c.mu.Unlock()
	return item, nil
}

func (c *Client) get(op string, key string, opts ...CallOption) (Item, error) {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return Item{}, err
	}
	wantCAS := op == "gets"

	return withConnection(c, op, key, o.hint, func(cn *conn.Connection) (Item, error) {
		if err := cn.SendOne([]byte(op + " " + key)); err != nil {
			return Item{}, err
		}
		line, err := cn.ReadLine(true)
		if err != nil {
			return Item{}, err
		}
		if bytes.Equal(line, []byte("END")) {
			return Item{}, ErrCacheMiss
		}
		var hdr conn.ValueHeader
		var ok bool
		if wantCAS {
			hdr, ok, err = conn.ParseCASValueHeader(line)
		} else {
			hdr, ok, err = conn.ParseValueHeader(line)
		}
		if err != nil {
			return Item{}, err
		}
		if !ok {
			return Item{}, ErrCacheMiss
		}
		data, err := cn.RecvExact(hdr.Len + 2) // trailing "\r\n"
		if err != nil {
			return Item{}, err
		}
		data = data[:hdr.Len]
		if _, err := cn.Expect([]byte("END"), true); err != nil {
			return Item{}, err
		}
		val, err := c.codec.Decode(hdr.Flags, data)
		if err != nil {
			// A decode failure never touches the connection and is
			// surfaced as a miss, matching the "null for reads" rule
			// for codec failures.
			return Item{}, ErrCacheMiss
		}
		return Item{Key: key, Value: val, CAS: hdr.CAS}, nil
	})
}

// --- counters ---

func (c *Client) incrDecr(op string, key string, delta uint64, opts ...CallOption) (uint64, error) {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return 0, err
	}
	return withConnection(c, op, key, o.hint, func(cn *conn.Connection) (uint64, error) {
		line := fmt.Sprintf("%s %s %d", op, key, delta)
		if o.noreply {
			line += " noreply"
		}
		if err := cn.SendOne([]byte(line)); err != nil {
			return 0, err
		}
		if o.noreply {
			return 0, nil
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(resp, respNotFound) {
			return 0, ErrCacheMiss
		}
		n, err := strconv.ParseUint(string(bytes.TrimSpace(resp)), 10, 64)
		if err != nil {
			return 0, parseServerErr(resp)
		}
		return n, nil
	})
}

// Incr adds delta to the integer stored under key and returns the new
// value. It returns ErrCacheMiss if key does not exist.
func (c *Client) Incr(key string, delta uint64, opts ...CallOption) (uint64, error) {
	return c.incrDecr("incr", key, delta, opts...)
}

// Decr subtracts delta from the integer stored under key, floored at
// zero by the server.
func (c *Client) Decr(key string, delta uint64, opts ...CallOption) (uint64, error) {
	return c.incrDecr("decr", key, delta, opts...)
}

// --- delete / touch ---

// Delete removes key. Deleting a key that does not exist is treated as
// success (NOT_FOUND and DELETED are both "it's gone now"), matching
// the reference client's behavior rather than a strict reading of the
// protocol.
func (c *Client) Delete(key string, opts ...CallOption) error {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := withConnection(c, "delete", key, o.hint, func(cn *conn.Connection) (struct{}, error) {
		line := "delete " + key
		if o.noreply {
			line += " noreply"
		}
		if err := cn.SendOne([]byte(line)); err != nil {
			return struct{}{}, err
		}
		if o.noreply {
			return struct{}{}, nil
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return struct{}{}, err
		}
		switch {
		case bytes.Equal(resp, respDeleted), bytes.Equal(resp, respNotFound):
			return struct{}{}, nil
		default:
			return struct{}{}, parseServerErr(resp)
		}
	})
	return err
}

// Touch updates key's expiration without retrieving its value.
func (c *Client) Touch(key string, exptime int32, opts ...CallOption) error {
	o := resolveOpts(opts)
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := withConnection(c, "touch", key, o.hint, func(cn *conn.Connection) (struct{}, error) {
		line := fmt.Sprintf("touch %s %d", key, exptime)
		if o.noreply {
			line += " noreply"
		}
		if err := cn.SendOne([]byte(line)); err != nil {
			return struct{}{}, err
		}
		if o.noreply {
			return struct{}{}, nil
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return struct{}{}, err
		}
		switch {
		case bytes.Equal(resp, respTouched):
			return struct{}{}, nil
		case bytes.Equal(resp, respNotFound):
			return struct{}{}, ErrCacheMiss
		default:
			return struct{}{}, parseServerErr(resp)
		}
	})
	return err
}

// --- multi-key fan-out ---

// GetMulti retrieves every key in keys, fanning out one pipelined
// request per server concurrently. Keys that miss or whose server is
// unreachable are simply absent from the result map — GetMulti never
// fails for a partial miss, only for a validation error up front.
//
// If prefix is given, its first element is prepended to every key
// before validation and server selection, and stripped back off the
// keys in the returned map — a caller sharing one keyspace across
// multiple logical namespaces passes key_prefix instead of prefixing
// keys itself.
func (c *Client) GetMulti(keys []string, prefix ...string) (map[string]any, error) {
	pfx := firstPrefix(prefix)
	wireKeys := make([]string, len(keys))
	orig := make(map[string]string, len(keys))
	for i, k := range keys {
		wk := pfx + k
		wireKeys[i] = wk
		orig[wk] = k
	}
	if err := validateKeys(wireKeys); err != nil {
		return nil, err
	}

	byServer := groupByServer(c, wireKeys)

	results := make(map[string]any, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for cn, serverKeys := range byServer {
		cn, serverKeys := cn, serverKeys
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn.Lock()
			defer cn.Unlock()
			got, err := c.getMultiFromServer(cn, serverKeys)
			if err != nil {
				return
			}
			mu.Lock()
			for wk, v := range got {
				results[orig[wk]] = v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// groupByServer resolves each key to its connection and partitions
// keys by connection, so that a multi-key fan-out spawns at most one
// goroutine per connection rather than one per key — two keys hashing
// to the same server must never drive that server's socket from two
// goroutines at once. Each resolution is unlocked immediately; the
// lock is only a grouping-time guard, not held across the grouping
// loop, so the caller must re-lock before actually using a connection.
func groupByServer(c *Client, keys []string) map[*conn.Connection][]string {
	byServer := make(map[*conn.Connection][]string)
	for _, k := range keys {
		cn, ok := c.pool.GetServer(k)
		if !ok {
			continue
		}
		cn.Unlock()
		byServer[cn] = append(byServer[cn], k)
	}
	return byServer
}

func (c *Client) getMultiFromServer(cn *conn.Connection, keys []string) (map[string]any, error) {
	start := time.Now()
	if err := cn.SendOne([]byte("get " + joinKeys(keys))); err != nil {
		c.recorder.ObserveOperation("get_multi", cn.Addr.String(), time.Since(start), err)
		return nil, err
	}

	out := make(map[string]any, len(keys))
	for {
		line, err := cn.ReadLine(true)
		if err != nil {
			c.recorder.ObserveOperation("get_multi", cn.Addr.String(), time.Since(start), err)
			return out, err
		}
		hdr, ok, err := conn.ParseValueHeader(line)
		if err != nil {
			return out, err
		}
		if !ok {
			break // END
		}
		data, err := cn.RecvExact(hdr.Len + 2)
		if err != nil {
			return out, err
		}
		val, err := c.codec.Decode(hdr.Flags, data[:hdr.Len])
		if err != nil {
			continue
		}
		out[string(hdr.Key)] = val
	}
	c.recorder.ObserveOperation("get_multi", cn.Addr.String(), time.Since(start), nil)
	return out, nil
}

// SetMulti stores every key in items with the same expiration,
// fanning out per server — one goroutine per resolved connection, not
// per key, so that two keys hashing to the same server are written
// sequentially on that connection instead of racing its socket. It
// returns the subset of (unprefixed) keys that could not be stored,
// rather than aborting on the first failure. prefix behaves as in
// GetMulti.
func (c *Client) SetMulti(items map[string]any, exptime int32, prefix ...string) (failed []string, err error) {
	pfx := firstPrefix(prefix)
	wireKeys := make([]string, 0, len(items))
	orig := make(map[string]string, len(items))
	wireValues := make(map[string]any, len(items))
	for k, v := range items {
		wk := pfx + k
		wireKeys = append(wireKeys, wk)
		orig[wk] = k
		wireValues[wk] = v
	}
	if err := validateKeys(wireKeys); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	byServer := make(map[*conn.Connection][]string)
	for _, wk := range wireKeys {
		cn, ok := c.pool.GetServer(wk)
		if !ok {
			failed = append(failed, orig[wk])
			continue
		}
		cn.Unlock()
		byServer[cn] = append(byServer[cn], wk)
	}

	var wg sync.WaitGroup
	for cn, serverKeys := range byServer {
		cn, serverKeys := cn, serverKeys
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn.Lock()
			defer cn.Unlock()
			for _, wk := range serverKeys {
				if err := c.setOnConn(cn, wk, wireValues[wk], exptime); err != nil {
					mu.Lock()
					failed = append(failed, orig[wk])
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return failed, nil
}

// setOnConn performs one "set" exchange against an already-resolved,
// already-locked connection — used by SetMulti once keys have been
// partitioned by server, so a batch never re-resolves or re-locks a
// connection per key.
func (c *Client) setOnConn(cn *conn.Connection, key string, value any, exptime int32) error {
	start := time.Now()
	flags, data, ok, encErr := c.codec.Encode(value, c.minCompressLen)
	if encErr != nil || !ok {
		c.recorder.ObserveOperation("set_multi", cn.Addr.String(), time.Since(start), ErrNotStored)
		return ErrNotStored
	}
	line := fmt.Sprintf("set %s %d %d %d", key, flags, exptime, len(data))
	frames := [][]byte{
		[]byte(line + "\r\n"),
		append(append([]byte{}, data...), []byte("\r\n")...),
	}
	err := func() error {
		if err := cn.Send(frames); err != nil {
			return err
		}
		resp, err := cn.ReadLine(true)
		if err != nil {
			return err
		}
		if !bytes.Equal(resp, respStored) {
			return ErrNotStored
		}
		return nil
	}()
	c.recorder.ObserveOperation("set_multi", cn.Addr.String(), time.Since(start), err)
	if errors.Is(err, conn.ErrConnectionDead) {
		c.recorder.ObserveDeadServer(cn.Addr.String())
		c.updateDeadServerGauge()
	}
	return err
}

// DeleteMulti deletes every key in keys, returning those (unprefixed)
// that could not be confirmed deleted (cache miss is not a failure; a
// dead server is). Keys are partitioned by resolved connection the
// same way SetMulti is. prefix behaves as in GetMulti.
func (c *Client) DeleteMulti(keys []string, prefix ...string) (failed []string, err error) {
	pfx := firstPrefix(prefix)
	wireKeys := make([]string, len(keys))
	orig := make(map[string]string, len(keys))
	for i, k := range keys {
		wk := pfx + k
		wireKeys[i] = wk
		orig[wk] = k
	}
	if err := validateKeys(wireKeys); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	byServer := make(map[*conn.Connection][]string)
	for _, wk := range wireKeys {
		cn, ok := c.pool.GetServer(wk)
		if !ok {
			failed = append(failed, orig[wk])
			continue
		}
		cn.Unlock()
		byServer[cn] = append(byServer[cn], wk)
	}

	var wg sync.WaitGroup
	for cn, serverKeys := range byServer {
		cn, serverKeys := cn, serverKeys
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn.Lock()
			defer cn.Unlock()
			for _, wk := range serverKeys {
				if err := c.deleteOnConn(cn, wk); err != nil {
					mu.Lock()
					failed = append(failed, orig[wk])
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return failed, nil
}

// deleteOnConn is setOnConn's DeleteMulti counterpart.
func (c *Client) deleteOnConn(cn *conn.Connection, key string) error {
	start := time.Now()
	err := func() error {
		if err := cn.SendOne([]byte("delete " + key)); err != nil {
			return err
		}
		line, err := cn.ReadLine(true)
		if err != nil {
			return err
		}
		if bytes.Equal(line, respDeleted) || bytes.Equal(line, respNotFound) {
			return nil
		}
		return parseServerErr(line)
	}()
	c.recorder.ObserveOperation("delete_multi", cn.Addr.String(), time.Since(start), err)
	if errors.Is(err, conn.ErrConnectionDead) {
		c.recorder.ObserveDeadServer(cn.Addr.String())
		c.updateDeadServerGauge()
	}
	return err
}

// --- whole-pool operations ---

// FlushAll flushes every reachable server. Unreachable servers are
// skipped rather than failing the whole call.
func (c *Client) FlushAll() error {
	var firstErr error
	for _, cn := range c.pool.Connections() {
		cn.Lock()
		if !cn.Connect() {
			cn.Unlock()
			continue
		}
		err := cn.Flush()
		cn.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the "stats" response from every reachable server,
// keyed by "<address> (<weight>)" the way the original get_stats
// names its per-server entries — the weight is part of what an
// operator needs when reading stats across a weighted pool.
func (c *Client) Stats() (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, cn := range c.pool.Connections() {
		cn.Lock()
		if !cn.Connect() {
			cn.Unlock()
			continue
		}
		stats, err := readStats(cn)
		cn.Unlock()
		if err != nil {
			continue
		}
		out[fmt.Sprintf("%s (%d)", cn.Addr.String(), cn.Weight)] = stats
	}
	return out, nil
}

func readStats(cn *conn.Connection) (map[string]string, error) {
	if err := cn.SendOne([]byte("stats")); err != nil {
		return nil, err
	}
	stats := make(map[string]string)
	for {
		line, err := cn.ReadLine(true)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(line, []byte("END")) {
			return stats, nil
		}
		fields := bytes.SplitN(line, []byte(" "), 3)
		if len(fields) == 3 && bytes.Equal(fields[0], []byte("STAT")) {
			stats[string(fields[1])] = string(fields[2])
		}
	}
}
