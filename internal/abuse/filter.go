package abuse

import "regexp"

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)viagra`),
	regexp.MustCompile(`(?i)casino`),
	regexp.MustCompile(`(?i)lottery`),
	regexp.MustCompile(`(?i)\bbet(ting)?\b`),
	regexp.MustCompile(`(?i)earn money quickly`),
	regexp.MustCompile(`(?i)make money fast`),
}

// IsSpam reports whether content matches any of the blocked patterns.
func IsSpam(content string) bool {
	for _, p := range spamPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}
