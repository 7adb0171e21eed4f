package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/cristim67/diploma-generator/internal/generation"
)

const (
	// DocumentExt is the extension of every stored document.
	DocumentExt = ".docx"

	maxPartRunes = 100
)

// Name derives the file name of a record's document. The same identity
// always yields the same name, and no identity can produce a path
// separator, a dot segment or a leading dot.
func Name(id generation.Identity) string {
	return sanitize(id.RecordID) + "_" + sanitize(id.Subject) + DocumentExt
}

// Names resolves the document names of a batch in one pass. Records with
// the same identity share a name. When sanitizing maps distinct identities
// onto one name, each of them gets a short hash of its raw identity
// appended instead, so no document of the batch replaces another's.
// Sanitized names never contain '.', so suffixed names cannot collide with
// plain ones.
func Names(ids []generation.Identity) []string {
	names := make([]string, len(ids))
	owners := make(map[string]generation.Identity, len(ids))
	clash := make(map[string]bool)
	for i, id := range ids {
		names[i] = Name(id)
		if prev, ok := owners[names[i]]; ok && prev != id {
			clash[names[i]] = true
			continue
		}
		owners[names[i]] = id
	}
	for i, id := range ids {
		if clash[names[i]] {
			names[i] = hashedName(id)
		}
	}
	return names
}

func hashedName(id generation.Identity) string {
	sum := sha256.Sum256([]byte(id.RecordID + "\x00" + id.Subject))
	base := strings.TrimSuffix(Name(id), DocumentExt)
	return base + "." + hex.EncodeToString(sum[:6]) + DocumentExt
}

// sanitize keeps letters, digits, '-' and '_'; everything else becomes '_'.
// Runs of '_' collapse and are trimmed from both ends. A value with nothing
// left falls back to a hash of the original.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	lastUnderscore := true
	meaningful := false
	for _, r := range s {
		if n >= maxPartRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
			meaningful = true
		case r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if lastUnderscore {
				continue
			}
			b.WriteByte('_')
			lastUnderscore = true
		}
		n++
	}
	out := strings.Trim(b.String(), "_")
	if !meaningful || out == "" {
		sum := sha256.Sum256([]byte(s))
		return "rec-" + hex.EncodeToString(sum[:6])
	}
	return out
}
