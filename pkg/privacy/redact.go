// Package privacy implements identifier normalization and the redaction
// rules applied to certificates. A redacted form never equals the original
// and the original never appears in redacted output.
package privacy

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/veridact/erasure/pkg/contracts"
)

const mask = "***"

// maskEnds keeps the first and last rune and replaces the middle with ***.
// Short values still gain the mask so the output always differs.
func maskEnds(s string) string {
	runes := []rune(s)
	switch len(runes) {
	case 0:
		return mask
	case 1:
		return string(runes) + mask
	default:
		return string(runes[0]) + mask + string(runes[len(runes)-1])
	}
}

// RedactUserID keeps the first and last character of the user ID.
func RedactUserID(userID string) string {
	return maskEnds(userID)
}

// RedactAlias follows the same first/last pattern as user IDs.
func RedactAlias(alias string) string {
	return maskEnds(alias)
}

// RedactEmail masks the local-part middle and preserves the domain verbatim.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskEnds(email)
	}
	return maskEnds(email[:at]) + email[at:]
}

// RedactPhone keeps an optional leading + and the last two digits.
func RedactPhone(phone string) string {
	rest := phone
	prefix := ""
	if strings.HasPrefix(rest, "+") {
		prefix = "+"
		rest = rest[1:]
	}
	digits := make([]rune, 0, len(rest))
	for _, r := range rest {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 2 {
		return prefix + mask
	}
	return prefix + mask + string(digits[len(digits)-2:])
}

// RedactIdentifiers applies every rule to a bundle.
func RedactIdentifiers(u contracts.UserIdentifiers) contracts.UserIdentifiers {
	out := contracts.UserIdentifiers{UserID: RedactUserID(u.UserID)}
	for _, e := range u.Emails {
		out.Emails = append(out.Emails, RedactEmail(e))
	}
	for _, p := range u.Phones {
		out.Phones = append(out.Phones, RedactPhone(p))
	}
	for _, a := range u.Aliases {
		out.Aliases = append(out.Aliases, RedactAlias(a))
	}
	return out
}

// NormalizeIdentifiers NFC-normalises, trims and de-duplicates each list
// while preserving first-seen order. Applied once at capture; the snapshot
// is immutable afterwards.
func NormalizeIdentifiers(u contracts.UserIdentifiers) contracts.UserIdentifiers {
	return contracts.UserIdentifiers{
		UserID:  norm.NFC.String(strings.TrimSpace(u.UserID)),
		Emails:  normalizeList(u.Emails, strings.ToLower),
		Phones:  normalizeList(u.Phones, nil),
		Aliases: normalizeList(u.Aliases, nil),
	}
}

func normalizeList(in []string, fold func(string) string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = norm.NFC.String(strings.TrimSpace(v))
		if fold != nil {
			v = fold(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
