// Command memcache-bench drives a small fixed workload against a set
// of memcached servers and reports basic latency stats, for smoke
// testing a server pool's configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mickamy/memcache"
)

func main() {
	fs := flag.NewFlagSet("memcache-bench", flag.ExitOnError)
	servers := fs.String("servers", "127.0.0.1:11211", "comma-separated list of memcached server addresses")
	keys := fs.Int("keys", 1000, "number of distinct keys to exercise")
	valueSize := fs.Int("value-size", 100, "size in bytes of each stored value")
	debug := fs.Bool("debug", false, "log connection lifecycle events")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("memcache-bench: parse flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, strings.Split(*servers, ","), *keys, *valueSize, *debug); err != nil {
		log.Fatalf("memcache-bench: %v", err)
	}
}

func run(ctx context.Context, servers []string, numKeys, valueSize int, debug bool) error {
	c, err := memcache.New(servers, memcache.WithDebug(debug))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	value := strings.Repeat("x", valueSize)

	setStart := time.Now()
	for i := 0; i < numKeys; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key := fmt.Sprintf("memcache-bench-%d", i)
		if err := c.Set(key, value, 60); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	setElapsed := time.Since(setStart)

	getStart := time.Now()
	hits := 0
	for i := 0; i < numKeys; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key := fmt.Sprintf("memcache-bench-%d", i)
		if _, err := c.Get(key); err == nil {
			hits++
		}
	}
	getElapsed := time.Since(getStart)

	fmt.Printf("set %d keys in %s (%s/op)\n", numKeys, setElapsed, setElapsed/time.Duration(numKeys))
	fmt.Printf("get %d keys in %s (%s/op), %d hits\n", numKeys, getElapsed, getElapsed/time.Duration(numKeys), hits)
	return nil
}
