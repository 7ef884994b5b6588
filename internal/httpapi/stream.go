package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stream отдаёт события списаний по SSE, пока клиент не отключится.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusNotFound, "stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := a.stream.Subscribe(r.Context())
	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: deduction\ndata: %s\n\n", data)
		flusher.Flush()
	}
}
