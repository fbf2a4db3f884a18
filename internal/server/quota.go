package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/writer"
)

// handleQuota answers a quota probe without touching upstream: the rolling
// usage comes straight from the in-memory tracker. The probe is still
// persisted so the call shows up in the request log.
func (s *server) handleQuota(w http.ResponseWriter, r *http.Request, rec *palantir.APIRequest, start time.Time) {
	sums := s.deps.Usage.DomainSums(rec.Domain)
	body := quotaBody(rec.RequestID, rec.Model, rec.Domain, s.deps.Usage.WindowSize(), sums)

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	rec.ResponseStatus = http.StatusOK
	rec.ResponseBody = body
	rec.DurationMS = time.Since(start).Milliseconds()
	s.count(rec.Domain, rec.RequestType, http.StatusOK)
	s.deps.Writer.Enqueue(writer.Record{Request: rec})
}

// quotaBody renders the synthetic Messages response for a quota probe: an
// assistant turn reporting the domain's rolling output-token usage per pool
// account, shaped like a real upstream reply so ordinary clients parse it.
func quotaBody(requestID, model, domain string, window time.Duration, sums map[string]int64) []byte {
	ids := make([]string, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var text strings.Builder
	fmt.Fprintf(&text, "Output token usage for %s over the last %s:", domain, window)
	if len(ids) == 0 {
		text.WriteString("\nno recorded usage")
	}
	for _, id := range ids {
		fmt.Fprintf(&text, "\n- %s: %d", id, sums[id])
	}

	body, err := json.Marshal(map[string]any{
		"id":            "msg_quota_" + requestID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       []map[string]string{{"type": "text", "text": text.String()}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
	})
	if err != nil {
		return []byte("{}")
	}
	return body
}
