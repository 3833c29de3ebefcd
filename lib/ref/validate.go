// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// parseMatrixID splits a sigil-prefixed Matrix identifier of the form
// "<sigil>localpart:server" into its localpart and server name. The
// caller has already checked the sigil; raw includes it.
func parseMatrixID(raw string) (localpart, server string, err error) {
	if len(raw) < 2 {
		return "", "", fmt.Errorf("identifier too short: %q", raw)
	}

	rest := raw[1:]
	colon := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			colon = i
			break
		}
	}
	if colon < 0 {
		return "", "", fmt.Errorf("identifier missing ':server' suffix: %q", raw)
	}
	if colon == 0 {
		return "", "", fmt.Errorf("identifier has empty localpart: %q", raw)
	}

	localpart = rest[:colon]
	server = rest[colon+1:]
	if server == "" {
		return "", "", fmt.Errorf("identifier has empty server name: %q", raw)
	}
	return localpart, server, nil
}

// parseRoomAlias validates a '#'-prefixed room alias and returns its
// localpart and server name.
func parseRoomAlias(raw string) (localpart, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty room alias")
	}
	if raw[0] != '#' {
		return "", "", fmt.Errorf("room alias must start with '#': %q", raw)
	}
	return parseMatrixID(raw)
}
