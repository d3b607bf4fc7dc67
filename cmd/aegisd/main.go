package main

import (
	"log"

	"aegis/services/firewall"
)

func main() {
	if err := firewall.Main(); err != nil {
		log.Fatalf("aegisd: %v", err)
	}
}
