package api

import (
	"net/http"

	"github.com/magstab/magstab-go/internal/models"
)

func (h *Handlers) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.State())
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.State().Info)
}

func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Refresh(r.Context()))
}

func (h *Handlers) loadAll(w http.ResponseWriter, r *http.Request) {
	var req models.LoadRequest
	if r.ContentLength != 0 {
		if appErr := decodeBody(w, r, &req); appErr != nil {
			writeError(w, appErr)
			return
		}
	}
	state, appErr := h.ctrl.LoadAll(r.Context(), req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
