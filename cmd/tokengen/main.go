// tokengen mints HMAC-signed bearer tokens for local development and
// integration testing against a running certcore instance.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	sub := flag.String("sub", "dev-user", "subject (actor id)")
	role := flag.String("role", "farmer", "actor role (farmer|reviewer|scheduler|inspector|approver|admin|system)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC signing secret (defaults to JWT_SECRET)")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or JWT_SECRET required")
		os.Exit(2)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  *sub,
		"role": *role,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Duration(*expSecs) * time.Second).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(*secret))
	must(err)

	fmt.Println(signed)
}
