package query

import "fmt"

// timeframeTokens maps the wire-level timeframe tokens of spec.md §4.I
// (and the GLOSSARY's "1m, 5m, 1H, …") to the minute counts the store
// and aggregator key sessions by.
var timeframeTokens = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"45m": 45,
	"1H":  60,
	"2H":  120,
	"3H":  180,
	"4H":  240,
	"1D":  1440,
	"1W":  10080,
	"1M":  43200,
}

var minutesToToken = func() map[int]string {
	out := make(map[int]string, len(timeframeTokens))
	for token, minutes := range timeframeTokens {
		out[minutes] = token
	}
	return out
}()

// parseTimeframe validates a query-string timeframe token against the
// configured set of minute counts.
func parseTimeframe(token string, configured map[int]bool) (int, error) {
	minutes, ok := timeframeTokens[token]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", token)
	}
	if !configured[minutes] {
		return 0, fmt.Errorf("timeframe %q is not configured", token)
	}
	return minutes, nil
}

func timeframeToken(minutes int) string {
	if token, ok := minutesToToken[minutes]; ok {
		return token
	}
	return fmt.Sprintf("%dm", minutes)
}
