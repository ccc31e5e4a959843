package instance

import (
	"os"
	"strings"
)

// ID names the running process in logs. Heroku-style DYNO wins, then the
// container hostname.
func ID() string {
	for _, key := range []string{"REFILLPOINT_INSTANCE_ID", "DYNO", "HOSTNAME"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	return "local"
}
