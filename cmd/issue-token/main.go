// Command issue-token signs identity tokens for local testing of the
// monitor server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to read .env: %v", err)
	}

	user := flag.String("user", "", "Username (token subject)")
	role := flag.String("role", auth.RoleStudent, "Role: student or admin")
	ttl := flag.Duration("ttl", 8*time.Hour, "Token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (default $JWT_SECRET)")
	flag.Parse()

	if *user == "" {
		log.Fatal("-user is required")
	}
	if *role != auth.RoleStudent && *role != auth.RoleAdmin {
		log.Fatalf("Unknown role %q", *role)
	}
	if *secret == "" {
		log.Fatal("No signing secret: set -secret or JWT_SECRET")
	}

	token, err := auth.NewVerifier(*secret).Issue(*user, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
