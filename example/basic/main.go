// Command basic shows the minimal Set/Get/Delete flow against a
// single local memcached server.
package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/mickamy/memcache"
)

func main() {
	c, err := memcache.New([]string{"127.0.0.1:11211"})
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	if err := c.Set("example-key", "hello, memcache", 60); err != nil {
		log.Fatal(err)
	}

	v, err := c.Get("example-key")
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		fmt.Println("miss")
	case err != nil:
		log.Fatal(err)
	default:
		fmt.Printf("got: %s\n", v)
	}

	if err := c.Delete("example-key"); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		log.Fatal(err)
	}
}
