package driver

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
)

// writeKeywords are the leading keywords that route a statement to the sync
// queue. REPLACE is included beyond the classic six; divergence is recorded
// in DESIGN.md.
var writeKeywords = map[string]bool{
	"insert":  true,
	"update":  true,
	"delete":  true,
	"create":  true,
	"drop":    true,
	"alter":   true,
	"replace": true,
}

// cteMutators is the automaton matching mutating keywords anywhere inside a
// WITH statement, so writing CTEs (`WITH ... INSERT`) are routed correctly.
// Patterns carry surrounding spaces and match against canonicalized text, so
// identifiers like "deleted_at" cannot trigger it.
var cteMutators = buildMutatorAutomaton()

func buildMutatorAutomaton() *ahocorasick.Automaton {
	patterns := []string{
		" insert ", " update ", " delete ", " replace ",
		" create ", " drop ", " alter ",
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		// The pattern set is static; a build failure is a programming error.
		panic("driver: build mutator automaton: " + err.Error())
	}
	return ac
}

// canonicalizeSQL lowercases s and collapses every non-alphanumeric run into
// a single space, padded on both ends, yielding word-boundary matches.
func canonicalizeSQL(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte(' ')
	lastWasSpace := true
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
			lastWasSpace = false
		} else if !lastWasSpace {
			sb.WriteByte(' ')
			lastWasSpace = true
		}
	}
	if !lastWasSpace {
		sb.WriteByte(' ')
	}
	return sb.String()
}

// firstKeyword extracts the first SQL token of s, lowercased.
func firstKeyword(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			break
		}
		end++
	}
	return strings.ToLower(s[:end])
}

// IsWriteStatement reports whether sql mutates the database. It is a routing
// hint for queue replication, not a correctness boundary: a keyword-prefix
// match plus an Aho-Corasick sweep of WITH statements for embedded mutating
// keywords.
func IsWriteStatement(sql string) bool {
	kw := firstKeyword(sql)
	if writeKeywords[kw] {
		return true
	}
	if kw != "with" {
		return false
	}
	haystack := []byte(canonicalizeSQL(sql))
	return len(cteMutators.FindAllOverlapping(haystack)) > 0
}
