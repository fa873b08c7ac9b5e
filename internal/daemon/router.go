package daemon

import (
	"net/url"
	"strconv"

	"github.com/infraknit/icinga2/internal/httpwire"
)

// LogsResult is the response body of /v1/logs.
type LogsResult struct {
	Entries []LogEntry `json:"entries"`
}

// router is the management API served over the control socket. It is
// the Router collaborator for control.Service; unknown paths fall
// through (nil, nil) to the core's 404.
type router struct {
	d *Daemon
}

func (r *router) Handle(request *httpwire.Request) (*httpwire.Response, error) {
	if request.Method != "GET" {
		return nil, nil
	}
	target, err := url.Parse(request.Target)
	if err != nil {
		return nil, nil
	}

	response := httpwire.NewResponse()
	switch target.Path {
	case "/v1/status":
		err = response.SetJSONBody(r.d.status())
	case "/v1/metrics":
		err = response.SetJSONBody(r.d.metrics.Snapshot())
	case "/v1/logs":
		query := target.Query()
		limit := 100
		if raw := query.Get("limit"); raw != "" {
			parsed, perr := strconv.Atoi(raw)
			if perr == nil && parsed > 0 {
				limit = parsed
			}
		}
		entries := r.d.logBuffer.Query(query.Get("level"), limit)
		err = response.SetJSONBody(LogsResult{Entries: entries})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}
