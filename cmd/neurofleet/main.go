package main

import (
	"log"

	"github.com/synaptecs/neurofleet/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("neurofleet: %v", err)
	}
}
