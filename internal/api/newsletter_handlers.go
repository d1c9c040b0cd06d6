package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/httputil"
	"github.com/ortsverband/newsletter-dispatch/internal/service/newsletter"
)

func (h *Handlers) ListNewsletters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := newsletter.ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"newsletters": items,
		"total":       total,
	})
}

func (h *Handlers) GetNewsletter(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, n)
}

func (h *Handlers) CreateNewsletter(w http.ResponseWriter, r *http.Request) {
	var input newsletter.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	n, err := h.svc.Create(r.Context(), input)
	if err != nil {
		// Create only fails on bad input or storage errors; input problems
		// carry no sentinel.
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, n)
}

func (h *Handlers) UpdateNewsletter(w http.ResponseWriter, r *http.Request) {
	var u newsletter.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}
	if err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), u); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) DeleteNewsletter(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// SendNewsletter starts a dispatch. The send runs in the background; the 202
// body carries the ID to poll on the progress endpoint.
func (h *Handlers) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.StartDispatch(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{
		"id":     id,
		"status": "sending",
	})
}

func (h *Handlers) CancelNewsletter(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "cancelling"})
}

func (h *Handlers) ResendNewsletter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Resend(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{
		"id":     id,
		"status": "sending",
	})
}

// GetProgress returns the delivery tally of a newsletter. During a send the
// counters move; afterwards they are the final outcome.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"id":               n.ID,
		"status":           n.Status,
		"recipient_count":  n.RecipientCount,
		"delivered_count":  n.DeliveredCount,
		"failed_count":     n.FailedCount,
		"error_summary":    n.ErrorSummary,
		"cancel_requested": n.CancelRequested,
	})
}

// writeServiceError maps service sentinels onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, newsletter.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, newsletter.ErrNotDraft),
		errors.Is(err, newsletter.ErrNotTerminal),
		errors.Is(err, newsletter.ErrNotSending),
		errors.Is(err, newsletter.ErrAlreadySending):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, newsletter.ErrInvalidSettings):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
