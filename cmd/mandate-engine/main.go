package main

import (
	"log"

	"github.com/stephenbessey/BAIS-sub002/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("mandate engine stopped: %v", err)
	}
}
