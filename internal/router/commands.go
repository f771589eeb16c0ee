package router

import "strings"

const (
	defaultResetCommand  = "join bot"
	defaultWelcomeHeader = "Welcome back. Choose a service:"
	defaultMarkerLen     = 4
)

// startCommands are the accepted spellings of the start command, compared
// after trimming and lower-casing. Users often paste it with quotes.
var startCommands = map[string]struct{}{
	"start":   {},
	`"start"`: {},
	"'start'": {},
	"“start”": {},
	"‘start’": {},
}

// normalizeCommand folds user text for command matching.
func normalizeCommand(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

func isStartCommand(cmd string) bool {
	_, ok := startCommands[cmd]
	return ok
}

// SplitMarker splits a gateway reply into its USSD marker ("CON ", "END ")
// and the user-visible text, so that marker+text == reply. Replies shorter
// than n are all marker.
func SplitMarker(reply string, n int) (marker, text string) {
	if n <= 0 {
		return "", reply
	}
	if len(reply) <= n {
		return reply, ""
	}
	return reply[:n], reply[n:]
}
