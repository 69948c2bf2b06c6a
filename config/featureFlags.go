package config

import (
	"os"
	"strings"
)

// JobNotificationsEnabled controls whether Enqueue publishes a Pub/Sub
// wake-up after the job row is committed. Polling remains the safety net,
// so disabling this only adds dequeue latency.
//
// Set via env:
// - JOB_NOTIFICATIONS_ENABLED=true
func JobNotificationsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("JOB_NOTIFICATIONS_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SocialCheckEnabled gates the social mention polling job family. The feed
// credentials are optional in dev, so the schedule is only installed when
// this is on.
//
// Set via env:
// - SOCIAL_CHECK_ENABLED=true
func SocialCheckEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SOCIAL_CHECK_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
