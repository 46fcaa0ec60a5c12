package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
)

func init() {
	// Environment files load before any other init reads the environment.
	// godotenv never overrides variables that are already set, so an
	// explicit GATEWAY_ENV_FILE wins over .env.
	files := []string{".env"}
	if f := os.Getenv("GATEWAY_ENV_FILE"); f != "" {
		files = append([]string{f}, files...)
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Printf("Failed to load %s: %v", f, err)
			}
			continue
		}
		log.Printf("Loaded environment from %s", f)
	}
}
