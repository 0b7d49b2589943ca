//go:build ignore

// Script to mint a control API token and the hash the server checks it against.
// Run with: go run scripts/hash_token.go [-token existing-token]
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	token := flag.String("token", "", "Token to hash; a random one is generated when empty")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	if *token == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		*token = base64.RawURLEncoding.EncodeToString(b)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*token), *cost)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}

	fmt.Printf("token: %s\n", *token)
	fmt.Printf("CALLCORE_API_TOKEN_HASH='%s'\n", hash)
}
