// Package authtoken manages the per-daemon-run bearer token that guards
// the control API. A fresh token is generated on every daemon start and
// written to a file only the owning user can read; CLI and agent children
// read the file and present the token as a bearer credential.
package authtoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// tokenBytes of entropy; the on-disk form is the hex encoding.
const tokenBytes = 32

// Token is one issued control-API credential.
type Token struct {
	value string
	path  string
}

// Generate creates a fresh random token and persists it at path with 0600
// permissions, replacing any token from a previous run.
func Generate(path string) (*Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	value := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return &Token{value: value, path: path}, nil
}

// Load reads an existing token file, trimming a trailing newline.
func Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Value returns the token string.
func (t *Token) Value() string { return t.value }

// Path returns the token file location.
func (t *Token) Path() string { return t.path }

// Remove deletes the token file. Missing files are not an error.
func (t *Token) Remove() error {
	err := os.Remove(t.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Matches compares a presented credential in constant time.
func (t *Token) Matches(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(presented)) == 1
}

// GinAuth returns a Gin middleware rejecting requests without the bearer
// token.
func (t *Token) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || !t.Matches(parts[1]) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "valid bearer token required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
