package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// VehicleList is the body of GET /api/v1/vehicles.
type VehicleList struct {
	Vehicles []*model.VehicleStatus `json:"vehicles"`
}

type errorBody struct {
	Error string `json:"error"`
}

type handler struct {
	reader core.StatusReader
}

func (h *handler) listVehicles(w http.ResponseWriter, r *http.Request) {
	list := h.reader.List()
	if list == nil {
		list = []*model.VehicleStatus{}
	}
	writeJSON(w, http.StatusOK, VehicleList{Vehicles: list})
}

func (h *handler) vehicleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, ok := h.reader.CurrentStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown vehicle " + id})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
