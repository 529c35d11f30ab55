// Command cas demonstrates optimistic concurrency control via
// Gets/Cas: read a value with its CAS token, then write it back only
// if nobody else has modified it in the meantime.
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

	if err := c.Set("counter", 0, 0); err != nil {
		log.Fatal(err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		item, err := c.Gets("counter")
		if err != nil {
			log.Fatal(err)
		}

		next := item.Value.(int) + 1
		err = c.Cas("counter", next, 0)
		switch {
		case err == nil:
			fmt.Printf("incremented to %d on attempt %d\n", next, attempt)
			return
		case errors.Is(err, memcache.ErrCASConflict):
			continue // someone else won the race, retry
		default:
			log.Fatal(err)
		}
	}
	log.Fatal("gave up after 5 CAS conflicts")
}
