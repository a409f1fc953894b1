package delivery

import "time"

// Abandoned describes a task dropped after the backoff schedule ran out.
// There is no dead-letter queue; the record only goes to the log.
type Abandoned struct {
	At         time.Time
	Attempt    int
	HTTPStatus int
	Reason     string
	LastError  string
	Task       Task
}

func NewAbandoned(t Task, out Outcome, at time.Time) Abandoned {
	return Abandoned{
		At:         at,
		Attempt:    t.Attempt,
		HTTPStatus: out.HTTPStatus,
		Reason:     out.Reason,
		LastError:  out.ErrorString(),
		Task:       t,
	}
}

// Fields renders the record for a structured log line.
func (a Abandoned) Fields() map[string]any {
	f := map[string]any{
		"delivery_id":  a.Task.DeliveryID,
		"event_id":     a.Task.EventID,
		"url":          a.Task.URL,
		"attempts":     a.Attempt,
		"reason":       a.Reason,
		"emitted_at":   a.Task.EmittedAt.Format(time.RFC3339Nano),
		"abandoned_at": a.At.Format(time.RFC3339Nano),
	}
	if a.HTTPStatus != 0 {
		f["http_status"] = a.HTTPStatus
	}
	if a.LastError != "" {
		f["last_error"] = a.LastError
	}
	return f
}
