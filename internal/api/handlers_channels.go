package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/magstab/magstab-go/internal/models"
)

func (h *Handlers) getChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.ctrl.State().Channels})
}

func (h *Handlers) getChannel(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	ch, appErr := h.ctrl.Channel(id)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) updateChannel(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	var upd models.ChannelUpdate
	if appErr := decodeBody(w, r, &upd); appErr != nil {
		writeError(w, appErr)
		return
	}
	state, appErr := h.ctrl.UpdateChannel(r.Context(), id, upd)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) getVoltage(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	v, appErr := h.ctrl.Voltage(r.Context(), id)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) setVoltage(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	var req models.VoltageRequest
	if appErr := decodeBody(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	if req.Voltage == nil {
		writeError(w, &models.AppError{Code: "BAD_REQUEST", Message: "voltage is required", Field: "voltage", Status: http.StatusBadRequest})
		return
	}
	state, appErr := h.ctrl.SetVoltage(r.Context(), id, *req.Voltage)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) readRegister(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	v, appErr := h.ctrl.ReadRegister(r.Context(), id, chi.URLParam(r, "reg"))
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) writeRegister(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	var req models.RegisterWrite
	if appErr := decodeBody(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	if req.Value == nil {
		writeError(w, &models.AppError{Code: "BAD_REQUEST", Message: "value is required", Field: "value", Status: http.StatusBadRequest})
		return
	}
	v, appErr := h.ctrl.WriteRegister(r.Context(), id, chi.URLParam(r, "reg"), *req.Value)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) trigger(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	state, appErr := h.ctrl.Trigger(r.Context(), id, chi.URLParam(r, "cmd"))
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// playWaveform blocks until playback ends; a client that disconnects stops it.
func (h *Handlers) playWaveform(w http.ResponseWriter, r *http.Request) {
	id, appErr := h.channelParam(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	var req models.WaveformRequest
	if appErr := decodeBody(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	state, appErr := h.ctrl.PlayWaveform(r.Context(), id, req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
