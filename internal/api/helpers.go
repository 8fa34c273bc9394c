// Package api implements the HTTP REST API of the DAC daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/models"
)

// maxBodyBytes bounds request bodies; a waveform of 64k samples fits.
const maxBodyBytes = 2 << 20

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl   Controller
	events EventBus
}

// Controller is the interface the handlers use to reach the channels.
type Controller interface {
	State() models.State
	Channel(id int) (models.Channel, *models.AppError)
	Lookup(ref string) (int, *models.AppError)
	Refresh(ctx context.Context) models.State
	SetVoltage(ctx context.Context, id int, v float64) (models.State, *models.AppError)
	Voltage(ctx context.Context, id int) (models.VoltageReading, *models.AppError)
	ReadRegister(ctx context.Context, id int, name string) (models.RegisterValue, *models.AppError)
	WriteRegister(ctx context.Context, id int, name string, value uint32) (models.RegisterValue, *models.AppError)
	UpdateChannel(ctx context.Context, id int, upd models.ChannelUpdate) (models.State, *models.AppError)
	Trigger(ctx context.Context, id int, cmd string) (models.State, *models.AppError)
	LoadAll(ctx context.Context, req models.LoadRequest) (models.State, *models.AppError)
	PlayWaveform(ctx context.Context, id int, req models.WaveformRequest) (models.State, *models.AppError)
}

// EventBus is the interface for subscribing to state change events.
type EventBus interface {
	Subscribe(id string) <-chan events.Event
	Unsubscribe(id string)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) *models.AppError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// channelParam resolves the {ch} path parameter, a channel id or name.
func (h *Handlers) channelParam(r *http.Request) (int, *models.AppError) {
	return h.ctrl.Lookup(chi.URLParam(r, "ch"))
}
