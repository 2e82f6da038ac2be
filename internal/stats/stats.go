// Package stats derives throughput and ETA figures from raw task data.
package stats

// Speed returns documents per second derived from the given per-document
// download durations (seconds), or nil when no durations are available.
func Speed(durations []float64) *float64 {
	avg := Average(durations)
	if avg == nil || *avg <= 0 {
		return nil
	}
	v := 1.0 / *avg
	return &v
}

// Average returns the mean of the values, or nil for an empty slice.
func Average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	return &avg
}

// ETA estimates seconds remaining for `remaining` documents at the given
// speed. Returns nil when the speed is unknown or nothing remains.
func ETA(remaining int, docsPerSecond *float64) *float64 {
	if docsPerSecond == nil || *docsPerSecond <= 0 || remaining <= 0 {
		return nil
	}
	v := float64(remaining) / *docsPerSecond
	return &v
}

// PerMinute converts a docs-per-second figure to docs per minute.
func PerMinute(docsPerSecond *float64) float64 {
	if docsPerSecond == nil {
		return 0
	}
	return *docsPerSecond * 60
}
