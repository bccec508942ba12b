package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/promptguard/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/keygen <operator-key>")
		fmt.Println("Prints the SHA-256 hash of an operator key for review.api_keys in config.yaml")
		os.Exit(1)
	}

	keyHash := auth.HashAPIKey(os.Args[1])

	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Println("review:")
	fmt.Println("  api_keys:")
	fmt.Printf("    - key_hash: %q\n", keyHash)
	fmt.Println("      description: \"Generated key\"")
	fmt.Println("\nOperators send the key as \"Authorization: Bearer <operator-key>\".")
}
