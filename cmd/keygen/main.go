package main

import (
	"fmt"
	"os"

	"github.com/arnavshah/rota-swap-go/pkg/auth"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env from project root
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Println("Usage: keygen <workerRef>")
		os.Exit(1)
	}

	workerRef := os.Args[1]
	secret := os.Getenv("API_MASTER_SECRET")
	if secret == "" {
		fmt.Println("Error: API_MASTER_SECRET not found in .env")
		os.Exit(1)
	}

	apiKey := auth.GenerateHMACKey([]byte(secret), workerRef)
	fmt.Printf("Generated Key for %s:\n%s\n", workerRef, apiKey)
}
