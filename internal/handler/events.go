package handler

import (
	"net/http"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

// GetEvents возвращает журнал событий с фильтрацией по типу, счёту и номеру удостоверения.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, ok := uintQuery(r, "since")
	if !ok {
		badRequest(w)
		return
	}
	limit, ok := uintQuery(r, "limit")
	if !ok {
		badRequest(w)
		return
	}
	if limit == 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	recordID, ok := uintQuery(r, "record")
	if !ok {
		badRequest(w)
		return
	}

	filter := model.EventFilter{
		Kind:       model.EventKind(q.Get("kind")),
		RecordID:   recordID,
		NaturalKey: q.Get("natural_key"),
	}
	if v := q.Get("account"); v != "" {
		account, err := model.ParseAccount(v)
		if err != nil {
			badRequest(w)
			return
		}
		filter.Account = &account
	}

	evs := h.service.Events(r.Context(), filter, since, int(limit))
	if len(evs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, evs)
}
