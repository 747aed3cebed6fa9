// Command gentoken mints bearer tokens for buildctl and other API callers.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/narvanalabs/buildfarm/internal/auth"
)

const minSecretLen = 32

func main() {
	subject := flag.String("user", "buildctl", "subject recorded in the token")
	email := flag.String("email", "buildctl@buildfarm.local", "email claim")
	secret := flag.String("secret", "", "signing secret shared with the API (default $JWT_SECRET)")
	ttl := flag.Duration("expiry", 30*24*time.Hour, "how long the token stays valid")
	role := flag.String("role", string(auth.RoleUser), "user, or admin to allow pinning scores")
	flag.Parse()

	if err := run(*subject, *email, *secret, *role, *ttl); err != nil {
		fmt.Fprintln(os.Stderr, "gentoken:", err)
		os.Exit(1)
	}
}

func run(subject, email, secret, role string, ttl time.Duration) error {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if len(secret) < minSecretLen {
		return fmt.Errorf("signing secret must be at least %d characters (use -secret or JWT_SECRET)", minSecretLen)
	}

	r := auth.Role(role)
	if r != auth.RoleUser && r != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	svc := auth.NewService(&auth.Config{JWTSecret: []byte(secret), TokenExpiry: ttl}, nil)
	token, err := svc.GenerateToken(subject, email, r)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Println(token)
	return nil
}
