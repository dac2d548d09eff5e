package upload

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxSlugLength = 64

// Slugify turns a location title into the id used for progress rows and
// object names: "Covered Bridge" becomes "covered-bridge". Accents are
// folded, runs of anything else collapse to one hyphen.
func Slugify(title string) string {
	var b strings.Builder
	pendingDash := false
loop:
	for _, r := range norm.NFKD.String(title) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			dash := pendingDash && b.Len() > 0
			n := 1
			if dash {
				n++
			}
			if b.Len()+n > maxSlugLength {
				break loop
			}
			if dash {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
