package telemetry

import "strconv"

// SweepTags returns standard tags for a sweep tick span.
func SweepTags(expired, retired int) map[string]string {
	return map[string]string{
		"operation": "sweep",
		"expired":   strconv.Itoa(expired),
		"retired":   strconv.Itoa(retired),
	}
}

// CleanupTags returns standard tags for a per-user cleanup span.
func CleanupTags(userID string) map[string]string {
	return map[string]string{
		"operation": "cleanup",
		"user_id":   userID,
	}
}
