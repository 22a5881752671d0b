package functions

import (
	"net/http"
	"sort"
	"time"

	"callguard/pkg/circuit"
	"callguard/pkg/envelope"
)

// CircuitView is one entry of the health report.
type CircuitView struct {
	Name            string         `json:"name"`
	Status          circuit.Status `json:"status"`
	FailureCount    int            `json:"failureCount"`
	NextAttemptTime *time.Time     `json:"nextAttemptTime,omitempty"`
}

// HealthReport is the content of GET /functions/v1/health.
type HealthReport struct {
	Circuits []CircuitView `json:"circuits"`
	Model    string        `json:"model"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	meta := requestMeta(r.Context(), "")

	snapshot, err := s.breaker.Snapshot(r.Context())
	if err != nil {
		envelope.HandleError(w, err, meta)
		s.observe("health", envelope.StatusError, start)
		return
	}

	report := HealthReport{Circuits: make([]CircuitView, 0, len(snapshot)), Model: s.client.Model()}
	degraded := false
	for name, st := range snapshot {
		view := CircuitView{Name: name, Status: st.Status, FailureCount: st.FailureCount}
		if !st.NextAttemptTime.IsZero() {
			next := st.NextAttemptTime
			view.NextAttemptTime = &next
		}
		if st.Status != circuit.StatusClosed {
			degraded = true
		}
		report.Circuits = append(report.Circuits, view)
	}
	sort.Slice(report.Circuits, func(i, j int) bool { return report.Circuits[i].Name < report.Circuits[j].Name })

	env := envelope.Success(report, meta)
	if degraded {
		env = envelope.Warning(report, envelope.MessageUnavailable, meta)
	}
	env = envelope.AddPerformanceMetrics(env, start, nil)
	if err := envelope.CreateHTTPResponse(w, env, http.StatusOK, nil); err != nil {
		s.logger.Warn("failed to write health response: %v", err)
	}
	s.observe("health", env.Meta.Status, start)
}
