package rpcnode

import (
	"fmt"
	"os"
	"strings"
)

// readCookie parses a Bitcoin-Core-style RPC cookie file: a single line of
// "user:password" written by the daemon on startup and deleted on clean
// shutdown. Re-reading it on every call (rather than caching it) means a
// daemon restart that rotates the cookie doesn't require restarting the
// indexer.
func readCookie(path string) (string, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read cookie file: %w", err)
	}
	line := strings.TrimSpace(string(b))
	user, pass, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed cookie file %s: expected user:password", path)
	}
	return user, pass, nil
}
