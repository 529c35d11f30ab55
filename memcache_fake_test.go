package memcache_test

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeMemcached is a minimal in-process stand-in for a memcached
// server, implementing just enough of the ASCII protocol to exercise
// Client end-to-end without a real binary or testcontainers.
type fakeMemcached struct {
	mu      sync.Mutex
	items   map[string]fakeItem
	casSeq  uint64
	addr    string
	ln      net.Listener
	stats   map[string]string
}

type fakeItem struct {
	flags uint16
	data  []byte
	cas   uint64
}

func startFakeMemcached(t *testing.T) *fakeMemcached {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMemcached{
		items: make(map[string]fakeItem),
		ln:    ln,
		addr:  ln.Addr().String(),
		stats: map[string]string{"pid": "1", "curr_connections": "1"},
	}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeMemcached) serve() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(c)
	}
}

func (f *fakeMemcached) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		noreply := false
		if len(fields) > 0 && fields[len(fields)-1] == "noreply" {
			noreply = true
			fields = fields[:len(fields)-1]
		}

		switch fields[0] {
		case "get", "gets":
			withCAS := fields[0] == "gets"
			f.mu.Lock()
			for _, key := range fields[1:] {
				item, ok := f.items[key]
				if !ok {
					continue
				}
				if withCAS {
					fmt.Fprintf(c, "VALUE %s %d %d %d\r\n", key, item.flags, len(item.data), item.cas)
				} else {
					fmt.Fprintf(c, "VALUE %s %d %d\r\n", key, item.flags, len(item.data))
				}
				c.Write(item.data)
				c.Write([]byte("\r\n"))
			}
			f.mu.Unlock()
			c.Write([]byte("END\r\n"))

		case "set", "add", "replace", "cas":
			key := fields[1]
			flags, _ := strconv.Atoi(fields[2])
			length, _ := strconv.Atoi(fields[4])
			body := make([]byte, length+2)
			_, _ = readFull(r, body)
			body = body[:length]

			f.mu.Lock()
			_, exists := f.items[key]
			switch fields[0] {
			case "add":
				if exists {
					f.mu.Unlock()
					if !noreply {
						c.Write([]byte("NOT_STORED\r\n"))
					}
					continue
				}
			case "replace":
				if !exists {
					f.mu.Unlock()
					if !noreply {
						c.Write([]byte("NOT_STORED\r\n"))
					}
					continue
				}
			case "cas":
				want, _ := strconv.ParseUint(fields[5], 10, 64)
				if !exists {
					f.mu.Unlock()
					if !noreply {
						c.Write([]byte("NOT_FOUND\r\n"))
					}
					continue
				}
				if f.items[key].cas != want {
					f.mu.Unlock()
					if !noreply {
						c.Write([]byte("EXISTS\r\n"))
					}
					continue
				}
			}
			f.casSeq++
			f.items[key] = fakeItem{flags: uint16(flags), data: body, cas: f.casSeq}
			f.mu.Unlock()
			if !noreply {
				c.Write([]byte("STORED\r\n"))
			}

		case "append", "prepend":
			key := fields[1]
			length, _ := strconv.Atoi(fields[4])
			body := make([]byte, length+2)
			_, _ = readFull(r, body)
			body = body[:length]

			f.mu.Lock()
			item, exists := f.items[key]
			if !exists {
				f.mu.Unlock()
				if !noreply {
					c.Write([]byte("NOT_STORED\r\n"))
				}
				continue
			}
			if fields[0] == "append" {
				item.data = append(item.data, body...)
			} else {
				item.data = append(append([]byte{}, body...), item.data...)
			}
			f.casSeq++
			item.cas = f.casSeq
			f.items[key] = item
			f.mu.Unlock()
			if !noreply {
				c.Write([]byte("STORED\r\n"))
			}

		case "delete":
			key := fields[1]
			f.mu.Lock()
			_, ok := f.items[key]
			delete(f.items, key)
			f.mu.Unlock()
			if noreply {
				continue
			}
			if ok {
				c.Write([]byte("DELETED\r\n"))
			} else {
				c.Write([]byte("NOT_FOUND\r\n"))
			}

		case "touch":
			key := fields[1]
			f.mu.Lock()
			_, ok := f.items[key]
			f.mu.Unlock()
			if noreply {
				continue
			}
			if ok {
				c.Write([]byte("TOUCHED\r\n"))
			} else {
				c.Write([]byte("NOT_FOUND\r\n"))
			}

		case "incr", "decr":
			key := fields[1]
			delta, _ := strconv.ParseUint(fields[2], 10, 64)
			f.mu.Lock()
			item, ok := f.items[key]
			if !ok {
				f.mu.Unlock()
				if !noreply {
					c.Write([]byte("NOT_FOUND\r\n"))
				}
				continue
			}
			n, _ := strconv.ParseUint(strings.TrimSpace(string(item.data)), 10, 64)
			if fields[0] == "incr" {
				n += delta
			} else if delta > n {
				n = 0
			} else {
				n -= delta
			}
			item.data = []byte(strconv.FormatUint(n, 10))
			f.items[key] = item
			f.mu.Unlock()
			if !noreply {
				fmt.Fprintf(c, "%d\r\n", n)
			}

		case "flush_all":
			f.mu.Lock()
			f.items = make(map[string]fakeItem)
			f.mu.Unlock()
			if !noreply {
				c.Write([]byte("OK\r\n"))
			}

		case "stats":
			f.mu.Lock()
			for k, v := range f.stats {
				fmt.Fprintf(c, "STAT %s %s\r\n", k, v)
			}
			f.mu.Unlock()
			c.Write([]byte("END\r\n"))

		default:
			c.Write([]byte("ERROR\r\n"))
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
