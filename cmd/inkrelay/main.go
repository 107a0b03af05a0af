package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/inkrelay/inkrelay/internal/config"
	"github.com/inkrelay/inkrelay/pkg/relay"
	"github.com/inkrelay/inkrelay/pkg/version"
)

func main() {
	log.Printf("Launching relay %s...\n", version.GetVersion())

	port := config.Values.Server.Port
	if len(os.Args) > 1 {
		p, err := strconv.ParseUint(os.Args[1], 10, 16)
		if err != nil {
			log.Fatalf("invalid port %q: %v", os.Args[1], err)
		}
		port = uint16(p)
	}

	srv := relay.NewServer(config.Values)

	if err := srv.Run(port); err != nil {
		log.Fatal(err)
	}

	log.Printf("Shutting down relay. Bye!\n")
}
