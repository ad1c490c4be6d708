package model

import "strconv"

// TimeframeMs derives the millisecond duration a normalized timeframe
// represents: "D" -> 1 day, "W" -> 1 week, "M" -> a 30-day approximation,
// any other (numeric) string -> minutes * 60000.
func TimeframeMs(timeframe string) int64 {
	switch timeframe {
	case "D":
		return 86_400_000
	case "W":
		return 604_800_000
	case "M":
		return 2_592_000_000
	}

	minutes, err := strconv.ParseInt(timeframe, 10, 64)
	if err != nil {
		return 0
	}
	return minutes * 60_000
}
