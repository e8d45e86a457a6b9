package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/conwatch/conwatch/internal/model"
	"github.com/conwatch/conwatch/internal/query"
)

// APIHandler holds the dependencies for the API handlers.
type APIHandler struct {
	service *query.Service
	log     logrus.FieldLogger
}

// parseTime accepts RFC 3339 or unix seconds; a zero time means unset.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// historyQuery builds a HistoryQuery from the request's path id and the
// from/to/limit query parameters. Range validation happens in the
// service; only unparseable parameters are rejected here.
func historyQuery(r *http.Request) (model.HistoryQuery, error) {
	q := model.HistoryQuery{ID: mux.Vars(r)["id"]}
	var err error
	if q.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		return q, err
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, err
		}
	}
	return q, nil
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.WithError(err).Warn("failed to write response")
	}
}

// writeError maps service errors onto status codes: validation failures
// are the client's fault, unknown entities are 404, the rest is 500.
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, query.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *APIHandler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *APIHandler) listContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.service.Containers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, containers)
}

func (h *APIHandler) latestStats(w http.ResponseWriter, r *http.Request) {
	sample, err := h.service.LatestContainerStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, sample)
}

func (h *APIHandler) allStats(w http.ResponseWriter, r *http.Request) {
	samples, err := h.service.LatestAllContainerStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, samples)
}

func (h *APIHandler) totalStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.service.TotalStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, totals)
}

func (h *APIHandler) statsHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	samples, err := h.service.StatsHistory(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, samples)
}

func (h *APIHandler) liveRequests(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	exchanges := h.service.LiveExchanges(mux.Vars(r)["id"], limit)
	if exchanges == nil {
		exchanges = []model.HttpExchange{}
	}
	h.writeJSON(w, exchanges)
}

func (h *APIHandler) requestHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exchanges, err := h.service.ExchangeHistory(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, exchanges)
}

func (h *APIHandler) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.service.Images(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, images)
}

func (h *APIHandler) serviceMap(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.ServiceMap(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, m)
}

func (h *APIHandler) imageHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	images, err := h.service.ImageHistory(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, images)
}
