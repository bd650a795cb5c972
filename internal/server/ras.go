package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/l0p7/topscores/internal/ranking"
)

var (
	errNoData        = errors.New("missing data")
	errEmptyEnvelope = errors.New("request and submit are both null")
)

type listRequest struct {
	Control string `json:"control"`
}

// listResponse carries each list as a JSON document encoded in a string,
// the form clients decode in two steps.
type listResponse struct {
	Control string   `json:"control"`
	Data    []string `json:"data"`
}

type rasResponse struct {
	Submit  bool          `json:"submit"`
	Request *listResponse `json:"request"`
}

// requestAndSubmit stores the submitted batch first so the lists returned in
// the same response already reflect it.
func (h *handlers) requestAndSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readData(w, r)
	if err != nil {
		h.logger.Warn("ras: unreadable request", slog.Any("error", err))
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	submitPart, requestPart, err := splitEnvelope(raw)
	if err != nil {
		h.logger.Warn("ras: malformed envelope", slog.String("data", truncateForLog(raw)), slog.Any("error", err))
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	location := h.location(r)
	resp := rasResponse{
		Submit:  h.submit(r, submitPart, location),
		Request: h.lists(r, requestPart, location),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// readData returns the envelope from the form field data, or the raw body when
// no form field is present.
func (h *handlers) readData(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if h.opts.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isForm := mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"

	if r.Method == http.MethodGet || isForm {
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(h.opts.MaxBodyBytes); err != nil {
				return nil, fmt.Errorf("parse form: %w", err)
			}
		} else if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		if data := r.Form.Get("data"); data != "" {
			return []byte(data), nil
		}
		return nil, errNoData
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errNoData
	}
	return body, nil
}

// splitEnvelope requires both keys to be present and at least one non-null.
func splitEnvelope(raw []byte) (submit, request json.RawMessage, err error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("decode data: %w", err)
	}
	submit, hasSubmit := envelope["submit"]
	request, hasRequest := envelope["request"]
	if !hasSubmit || !hasRequest {
		return nil, nil, errors.New("data requires both request and submit keys")
	}
	if isNull(submit) && isNull(request) {
		return nil, nil, errEmptyEnvelope
	}
	return submit, request, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (h *handlers) location(r *http.Request) string {
	location := strings.ToLower(strings.TrimSpace(r.Header.Get(h.opts.LocationHeader)))
	if location == "" {
		return h.engine.Settings().Unknown
	}
	return location
}

func (h *handlers) submit(r *http.Request, raw json.RawMessage, location string) bool {
	if isNull(raw) {
		return false
	}
	var batch ranking.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		h.logger.Error("ras: submit part undecodable", slog.String("submit", truncateForLog(raw)), slog.Any("error", err))
		return false
	}
	return h.engine.SubmitBatch(r.Context(), batch, location)
}

// lists answers the read part with the local, world and week lists. Any
// problem with the read part yields a null response rather than an error.
func (h *handlers) lists(r *http.Request, raw json.RawMessage, location string) *listResponse {
	if isNull(raw) {
		return nil
	}
	var req listRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.logger.Error("ras: request part undecodable", slog.String("request", truncateForLog(raw)), slog.Any("error", err))
		return nil
	}
	settings := h.engine.Settings()
	if !settings.ValidControl(req.Control) {
		h.logger.Error("ras: invalid control", slog.String("control", req.Control))
		return nil
	}

	resp := &listResponse{Control: req.Control, Data: make([]string, 0, 3)}
	for _, loc := range []string{location, settings.World, settings.Week} {
		// Errors are logged by the engine; the list is then empty but well formed.
		ranked, _ := h.engine.TopList(r.Context(), settings.TopN, req.Control, loc)
		resp.Data = append(resp.Data, string(ranked.List))
	}
	return resp
}

func truncateForLog(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
