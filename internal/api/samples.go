package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/playok/fitalert/internal/alerting"
	"github.com/playok/fitalert/internal/model"
)

const maxSampleBody = 1 << 20

type samplesAPI struct {
	evaluator *alerting.Evaluator
}

// ingest handles POST /api/v1/samples with either one sample or an
// array. Invalid samples are dropped; the response lists the decisions
// taken for the rest.
func (a *samplesAPI) ingest(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSampleBody)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var samples []model.MetricSample
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &samples); err != nil {
			writeError(w, http.StatusBadRequest, "invalid samples")
			return
		}
	} else {
		var s model.MetricSample
		if err := json.Unmarshal(raw, &s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid sample")
			return
		}
		samples = []model.MetricSample{s}
	}

	decisions := a.evaluator.EvaluateBatch(r.Context(), samples)
	if decisions == nil {
		decisions = []alerting.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  len(samples),
		"decisions": decisions,
	})
}
