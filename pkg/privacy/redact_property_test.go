//go:build property
// +build property

package privacy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Redacted values never equal their originals and always carry the mask.
func TestRedactionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("user id redaction always differs", prop.ForAll(
		func(s string) bool {
			return RedactUserID(s) != s
		},
		gen.AnyString(),
	))

	properties.Property("email redaction differs and keeps domain", prop.ForAll(
		func(local, domain string) bool {
			email := local + "@" + domain + ".dev"
			red := RedactEmail(email)
			return red != email
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("phone redaction differs for any digits", prop.ForAll(
		func(n uint32) bool {
			phone := "+1" + padDigits(n)
			return RedactPhone(phone) != phone
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}

func padDigits(n uint32) string {
	digits := "0123456789"
	out := make([]byte, 8)
	for i := range out {
		out[i] = digits[n%10]
		n /= 10
	}
	return string(out)
}
