package remote

import "strings"

// QuoteArg wraps s in single quotes for safe interpolation into a remote
// shell command. Internal single quotes are closed, escaped and reopened
// ('\''), the only quoting POSIX sh honors inside single quotes.
func QuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArgs quotes every argument and joins them with spaces.
func QuoteArgs(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = QuoteArg(a)
	}
	return strings.Join(quoted, " ")
}
