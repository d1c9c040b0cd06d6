package api

import (
	"io"
	"net/http"

	"github.com/ortsverband/newsletter-dispatch/internal/content"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/httputil"
)

const maxHeaderUpload = 10 << 20

// ExtractTopics turns pasted meeting notes into a topic list.
func (h *Handlers) ExtractTopics(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "content generation is not configured")
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	topics, err := h.generator.ExtractTopics(r.Context(), req.Notes)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"topics": topics})
}

// GenerateIntro drafts an introduction from the selected topics.
func (h *Handlers) GenerateIntro(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "content generation is not configured")
		return
	}
	var req struct {
		Topics []content.Topic `json:"topics"`
		Tone   string          `json:"tone"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	intro, err := h.generator.GenerateIntro(r.Context(), req.Topics, req.Tone)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"intro": intro})
}

// RefineIntro reworks an existing introduction per an editor instruction.
func (h *Handlers) RefineIntro(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "content generation is not configured")
		return
	}
	var req struct {
		Intro       string `json:"intro"`
		Instruction string `json:"instruction"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	intro, err := h.generator.Refine(r.Context(), req.Intro, req.Instruction)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"intro": intro})
}

// UploadHeaderImage accepts raw image bytes, normalizes them and returns the
// public URL to put into a draft.
func (h *Handlers) UploadHeaderImage(w http.ResponseWriter, r *http.Request) {
	if h.headers == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "image upload is not configured")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHeaderUpload))
	if err != nil {
		httputil.Error(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
		return
	}
	if len(data) == 0 {
		httputil.BadRequest(w, "empty upload")
		return
	}
	url, err := h.headers.Publish(r.Context(), data)
	if err != nil {
		httputil.BadRequest(w, "unusable image: "+err.Error())
		return
	}
	httputil.Created(w, map[string]string{"url": url})
}
