// Package app contains the top-level orchestration for the relay and client
// roles.
package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/util"
)

// tokenAlphabet avoids characters that are easy to misread.
const tokenAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// RunRelay serves the signaling relay on addr until ctx is cancelled. Every
// client must present token; an empty token is replaced by a random one that
// is printed at startup.
func RunRelay(ctx context.Context, addr, token string) error {
	if token == "" {
		token = generateToken(10)
	}

	relay := signaling.NewRelay(func(identity, presented string) bool {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
	})
	bound, err := relay.Start(addr)
	if err != nil {
		return err
	}
	defer relay.Close()

	pterm.Println()
	pterm.DefaultBox.
		WithTitle("Signaling Relay").
		WithTitleTopCenter().
		Println(fmt.Sprintf("Address : %s\nPath    : /ws\nToken   : %s", bound, token))
	pterm.Println()
	util.LogSuccess("relay listening on %s, waiting for clients", bound)

	<-ctx.Done()
	util.LogInfo("relay shutting down")
	return nil
}

// generateToken returns a random token of the given length.
func generateToken(length int) string {
	out := make([]byte, length)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		n, _ := rand.Int(rand.Reader, max)
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out)
}
