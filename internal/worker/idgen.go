package worker

import (
	"os"

	"github.com/oklog/ulid/v2"
)

// NewWorkerID returns an identifier for this executor instance, recorded on
// every job it starts: <hostname>-<ULID>.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + ulid.Make().String()
}
