package main

import (
	"log"

	"emoguchi/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := server.Run(); err != nil {
		log.Fatal(err.Error())
	}
}
