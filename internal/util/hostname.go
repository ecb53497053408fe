// Package util provides shared utility functions.
package util

import (
	"os"
	"strings"
)

const unknownAgent = "unknown-agent"

// AgentID derives the presence identifier of this machine from its hostname.
// The result only contains [a-z0-9._-]; anything else becomes '_'.
func AgentID() string {
	hn := os.Getenv("COMPUTERNAME")
	if strings.TrimSpace(hn) == "" {
		hn = os.Getenv("HOSTNAME")
	}
	if strings.TrimSpace(hn) == "" {
		hn, _ = os.Hostname()
	}
	return SanitizeAgentID(hn)
}

// SanitizeAgentID normalizes an arbitrary name into a rendezvous-safe id.
func SanitizeAgentID(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return unknownAgent
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(name))
}
