// Package pool selects which server connection owns a given key,
// using the weighted-modulo bucket scheme and bounded rehashing
// described in SPEC_FULL.md §5.3.
package pool

import (
	"fmt"
	"hash/crc32"

	"github.com/mickamy/memcache/conn"
)

// ConnectionRetries bounds how many times GetServer will rehash and
// retry before giving up on a key, matching the original source's
// fixed retry ceiling rather than looping over the bucket count.
const ConnectionRetries = 10

// Pool owns the full set of server connections and the weighted
// bucket array derived from them.
type Pool struct {
	conns   []*conn.Connection
	buckets []*conn.Connection
}

// Spec describes one configured server before a Connection exists for
// it.
type Spec struct {
	Addr   conn.Addr
	Weight int
}

// New builds a Pool from specs. Each server occupies Weight slots in
// the bucket array, so higher-weight servers receive proportionally
// more keys.
func New(specs []Spec, cfg conn.Config) (*Pool, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("pool: at least one server is required")
	}

	p := &Pool{}
	for _, s := range specs {
		w := s.Weight
		if w < 1 {
			w = 1
		}
		c := conn.New(s.Addr, w, cfg)
		p.conns = append(p.conns, c)
		for i := 0; i < w; i++ {
			p.buckets = append(p.buckets, c)
		}
	}
	return p, nil
}

// Connections returns every connection in the pool, in configuration
// order — used by multi-key fan-out and FlushAll/Stats, which must
// visit every server regardless of hashing.
func (p *Pool) Connections() []*conn.Connection {
	return p.conns
}

// Hash implements the bucket hash named cmemcache_hash in the wire
// protocol's key-selection formula: bits 16–30 of a CRC32 of the key
// (the upper half with its highest bit masked off), coerced away from
// zero so the result is always usable as a
// non-degenerate seed for rehashing.
func Hash(key string) uint32 {
	h := (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff
	if h == 0 {
		return 1
	}
	return h
}

// HintKey lets a caller that already computed a key's bucket hash
// (with Hash, or hand constructed) bypass hashing and jump straight to bucket selection —
// the "hint tuple" bypass the spec's key-handling section describes.
type HintKey struct {
	Hash uint32
	Key  string
}

// GetServer returns the connection responsible for key, rehashing up
// to ConnectionRetries times when the chosen bucket's connection is
// dead or unreachable. It returns ok=false once every retry is
// exhausted; GetServer itself produces no error in that case.
//
// On success the returned connection is locked (Connection.Lock); the
// caller owns that lock and must call Unlock once its exchange with
// the connection is finished. No lock is held when ok is false.
func (p *Pool) GetServer(key string) (*conn.Connection, bool) {
	return p.getServer(Hash(key))
}

// GetServerHinted is GetServer but starting from a precomputed hash,
// for the hint-tuple bypass: a caller that already computed a key's
// hash (e.g. with Hash) can reuse it to reach the same bucket without
// hashing the key string again. Locking rules match GetServer.
func (p *Pool) GetServerHinted(hint HintKey) (*conn.Connection, bool) {
	return p.getServer(hint.Hash)
}

// getServer resolves serverHash to a connection and acquires that
// connection's exchange lock before returning it — the caller is
// responsible for releasing it (Connection.Unlock) once its request/
// response exchange is complete. The lock is held across Connect so
// that a concurrent caller resolving the same bucket cannot observe a
// half-dialed socket.
func (p *Pool) getServer(serverHash uint32) (*conn.Connection, bool) {
	n := uint32(len(p.buckets))
	for i := 0; i < ConnectionRetries; i++ {
		c := p.buckets[serverHash%n]
		c.Lock()
		if c.Connect() {
			return c, true
		}
		c.Unlock()
		serverHash = Hash(fmt.Sprintf("%d%d", serverHash, i))
	}
	return nil, false
}
