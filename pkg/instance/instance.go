package instance

import (
	"os"
	"strconv"
	"sync"
)

var id = sync.OnceValue(resolve)

// GetID names this process in logs, cron leases and outbox claims. It is
// resolved once: DYNO, then WORKER_ID, then hostname-pid.
func GetID() string {
	return id()
}

func resolve() string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
