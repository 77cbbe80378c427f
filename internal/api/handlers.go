// Package api is the operational surface of a pipeline instance: health,
// consumer group introspection, quarantine browsing and replay, metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"taskpipe/internal/broker"
	"taskpipe/internal/coordinator"
	"taskpipe/internal/dlq"
)

type Handlers struct {
	coord      *coordinator.Coordinator
	offsets    *coordinator.OffsetStore
	quarantine dlq.Store
	broker     broker.Broker
	log        *slog.Logger
}

func NewHandlers(coord *coordinator.Coordinator, offsets *coordinator.OffsetStore, quarantine dlq.Store, b broker.Broker, log *slog.Logger) *Handlers {
	return &Handlers{
		coord:      coord,
		offsets:    offsets,
		quarantine: quarantine,
		broker:     b,
		log:        log,
	}
}

type claimStatus struct {
	Topic      string `json:"topic"`
	Partition  int    `json:"partition"`
	Holder     string `json:"holder,omitempty"`
	NextOffset *int64 `json:"next_offset,omitempty"`
}

type groupStatus struct {
	State   string        `json:"state"`
	Members []string      `json:"members"`
	Claims  []claimStatus `json:"claims"`
}

// GroupStatus reports the live view of the consumer group: who is in it,
// which instance holds each partition, and how far each partition has
// been consumed.
func (h *Handlers) GroupStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	members, err := h.coord.Members(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := groupStatus{
		State:   h.coord.State().String(),
		Members: members,
		Claims:  make([]claimStatus, 0),
	}
	for _, claim := range h.coord.Claims() {
		cs := claimStatus{Topic: claim.Topic, Partition: claim.Partition}
		holder, err := h.coord.Holder(ctx, claim)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cs.Holder = holder
		next, ok, err := h.offsets.Load(ctx, claim)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ok {
			cs.NextOffset = &next
		}
		out.Claims = append(out.Claims, cs)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ListQuarantined returns the most recent quarantine entries.
func (h *Handlers) ListQuarantined(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.quarantine.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}

func (h *Handlers) GetQuarantined(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid entry id", http.StatusBadRequest)
		return
	}

	entry, err := h.quarantine.Get(r.Context(), id)
	if errors.Is(err, dlq.ErrNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ReplayQuarantined republishes the entry's original bytes to its
// original topic with its original key, so it lands back on the same
// partition and runs through the pipeline again.
func (h *Handlers) ReplayQuarantined(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid entry id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	entry, err := h.quarantine.Get(ctx, id)
	if errors.Is(err, dlq.ErrNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entry.ReplayedAt != nil {
		http.Error(w, "entry already replayed", http.StatusConflict)
		return
	}

	if err := h.broker.Publish(ctx, entry.Topic, []byte(entry.Key), entry.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.quarantine.MarkReplayed(ctx, id); err != nil {
		// The event is already back in the topic; an unmarked entry only
		// risks a duplicate replay, which the dedup layer absorbs.
		h.log.Warn("marking entry replayed failed", "id", id, "error", err)
	}

	h.log.Info("quarantined event replayed", "id", id, "topic", entry.Topic, "partition", entry.Partition, "offset", entry.Offset)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "replayed"})
}
