package main

import (
	"log"
	"os"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/server"
)

func main() {
	addr := os.Getenv("MERCATOR_HTTP_ADDR")
	if addr == "" {
		addr = ":10020"
	}

	if err := server.Run(config.LoadConfig(""), addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
