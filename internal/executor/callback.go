package executor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// postCallback reports a container/pod-based job's outcome back to the
// daemon, playing the same role the tmux backend's inline curl plays for
// executors whose launch target isn't a shell the wrapper script controls.
func postCallback(baseURL string, jobID uint32, verb string) {
	url := fmt.Sprintf("%s/jobs/%d/%s", baseURL, jobID, verb)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", jobID).Error("failed to post completion callback")
		return
	}
	resp.Body.Close()
}
