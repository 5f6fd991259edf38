package natslayer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Header names carried on command messages
const (
	HeaderPath   = "Scoresync-Path"
	HeaderSource = "Scoresync-Source"
)

var (
	validKey   = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)
	validToken = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)
)

// KeyForPath maps a record path to its KV key: "/scores" becomes "scores".
func KeyForPath(path string) (string, error) {
	key := strings.TrimPrefix(path, "/")
	if key == "" || !validKey.MatchString(key) || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return "", fmt.Errorf("invalid record path %q", path)
	}
	return key, nil
}

// PathForKey is the inverse of KeyForPath.
func PathForKey(key string) string {
	return "/" + key
}

// NodeSubject is the subject a node listens on for commands.
func NodeSubject(prefix, nodeID string) string {
	return prefix + ".node." + nodeID
}

// validateToken checks a single subject token: no dots, spaces or wildcards.
func validateToken(s string) error {
	if s == "" {
		return errors.New("empty subject token")
	}
	if !validToken.MatchString(s) {
		return fmt.Errorf("invalid subject token %q", s)
	}
	return nil
}
