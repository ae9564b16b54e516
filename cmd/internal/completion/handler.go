package completion

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"krismini/cmd/internal/metrics"
)

type request struct {
	Prompt string `json:"prompt"`
}

type response struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handler serves POST {prompt} -> {response} | {error}.
type Handler struct {
	log       *slog.Logger
	completer Completer
	metrics   *metrics.Metrics
}

// NewHandler accepts a nil Completer; requests then fail with 500.
func NewHandler(log *slog.Logger, c Completer, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{log: log, completer: c, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}
	if h.completer == nil {
		writeJSON(w, http.StatusInternalServerError, response{Error: "Missing Gemini API key"})
		return
	}

	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPromptBytes+1024))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid json"})
		return
	}
	if _, err := checkPrompt(req.Prompt); err != nil {
		msg := "Missing prompt"
		if errors.Is(err, ErrPromptTooLarge) {
			msg = "Prompt too large"
		}
		writeJSON(w, http.StatusBadRequest, response{Error: msg})
		return
	}

	out, err := h.completer.Complete(r.Context(), req.Prompt)
	h.metrics.Completion(Outcome(err))
	switch {
	case errors.Is(err, ErrEmptyCompletion):
		writeJSON(w, http.StatusOK, response{Response: NoResponseText})
	case err != nil:
		status := http.StatusInternalServerError
		if StatusOf(err) == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		h.log.Warn("completion.http.fail", "status", status, "err", err)
		writeJSON(w, status, response{Error: Humanize(err)})
	default:
		writeJSON(w, http.StatusOK, response{Response: out})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
