package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/utils"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/jwt"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Prints a fresh JWT_SECRET, or with -user mints an access token signed with
// the configured secret for exercising the API locally.
func main() {
	userFlag := flag.String("user", "", "mint a token for this user id instead of generating a secret")
	rolesFlag := flag.String("roles", "user", "comma separated platform roles for the minted token")
	expiry := flag.Duration("expiry", time.Hour, "minted token lifetime")
	flag.Parse()

	if *userFlag == "" {
		secret, err := utils.GenerateSecret(32) // 256-bit
		if err != nil {
			log.Fatalf("Failed to generate secret: %v", err)
		}
		fmt.Printf("JWT_SECRET=%s\n", secret)
		return
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "chillconnect"
	}
	if os.Getenv("ENVIRONMENT") == "production" {
		log.Fatal("refusing to mint tokens against production configuration")
	}

	userID, err := uuid.Parse(*userFlag)
	if err != nil {
		log.Fatalf("Invalid user id: %v", err)
	}

	token, err := jwt.NewService(secret, issuer, *expiry).GenerateAccessToken(userID, strings.Split(*rolesFlag, ","))
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Println(token)
}
