package instance

import "os"

// GetID names the running process in logs: the platform dyno, an explicit
// worker id, or "local".
func GetID() string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
