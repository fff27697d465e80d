package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenSource yields the authentication token presented to the relay. It is
// consulted on every connect attempt so rotated tokens are picked up.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, typically from P2PCALL_TOKEN.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// FileToken reads the token from a file on each call.
type FileToken string

func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (fn TokenFunc) Token(ctx context.Context) (string, error) { return fn(ctx) }
