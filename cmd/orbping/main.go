// Command orbping starts a local orb server (registering only the
// built-in Ping object), then calls it from a client in the same
// process and prints the round-tripped payload. It exists as a
// smoke test a human can run, not as a daemon.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dcrodman/cidorb"
)

func main() {
	port := flag.Int("port", 0, "listen port (0 picks a free port)")
	flag.Parse()

	logger := orb.NewBasicLogger(orb.LogLevelInfo)

	srv, err := orb.InitServer(*port, orb.WithServerLogger(logger))
	if err != nil {
		log.Fatalf("orb: init server: %v", err)
	}
	defer srv.Terminate()

	cl := orb.InitClient(orb.WithClientLogger(logger))
	defer cl.Terminate()

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 0xC0FFEE)

	result, err := orb.Ping(cl, "127.0.0.1", srv.Port(), payload, 5*time.Second)
	if err != nil {
		log.Fatalf("orb: ping: %v", err)
	}

	fmt.Printf("ping reply: %x\n", result)
}
