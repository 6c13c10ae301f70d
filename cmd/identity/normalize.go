package identity

import (
	"regexp"
	"strings"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeLogin maps a login identifier to the normalized column it is
// looked up by. Anything containing "@" is treated as an email.
func NormalizeLogin(login string) (value string, isEmail bool) {
	if strings.Contains(login, "@") {
		return NormalizeEmail(login), true
	}
	return NormalizeUsername(login), false
}

func validUsername(norm string) bool {
	return usernameRe.MatchString(norm)
}

func validEmail(norm string) bool {
	at := strings.IndexByte(norm, '@')
	return at > 0 && at < len(norm)-1 && len(norm) <= 254 &&
		!strings.ContainsAny(norm, " \t\r\n") && strings.Count(norm, "@") == 1
}
