// Command hash-token prints the PBKDF2 hash of an operator bearer token for
// CREDITS_OPERATOR_TOKEN_HASH.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"credits-generator/internal/auth"
)

const generatedTokenBytes = 32

func main() {
	var (
		token    string
		generate bool
	)
	flag.StringVar(&token, "token", "", "operator token to hash; read from stdin when empty")
	flag.BoolVar(&generate, "generate", false, "generate a random token and print it with its hash")
	flag.Parse()

	if generate && token != "" {
		fatalf("--token and --generate are mutually exclusive")
	}

	var err error
	switch {
	case generate:
		token, err = generateToken()
		if err != nil {
			fatalf("generate token: %v", err)
		}
	case token == "":
		token, err = readToken(os.Stdin)
		if err != nil {
			fatalf("read token: %v", err)
		}
	}
	if len(token) < 16 {
		fatalf("token must be at least 16 characters")
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		fatalf("hash token: %v", err)
	}
	if generate {
		fmt.Printf("token: %s\n", token)
	}
	fmt.Printf("CREDITS_OPERATOR_TOKEN_HASH=%s\n", hash)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func generateToken() (string, error) {
	buf := make([]byte, generatedTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// readToken returns the first line of r without surrounding whitespace.
func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
