package progress

import "fmt"

// etaSeconds is only defined strictly between 0 and 100 percent: linear
// extrapolation from elapsed time per percentage point.
func etaSeconds(elapsedSeconds, progressPercent int) *int {
	if progressPercent <= 0 || progressPercent >= 100 {
		return nil
	}
	timePerPercent := float64(elapsedSeconds) / float64(progressPercent)
	remaining := 100 - progressPercent
	eta := int(timePerPercent * float64(remaining))
	return &eta
}

// formatETA renders an ETA in the same buckets as _format_eta: seconds,
// minutes, or hours, with correct singular/plural wording.
func formatETA(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("~%d seconds remaining", seconds)
	case seconds < 3600:
		minutes := seconds / 60
		if minutes == 1 {
			return "~1 minute remaining"
		}
		return fmt.Sprintf("~%d minutes remaining", minutes)
	default:
		hours := seconds / 3600
		if hours == 1 {
			return "~1 hour remaining"
		}
		return fmt.Sprintf("~%d hours remaining", hours)
	}
}
