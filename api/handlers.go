package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fleet-monitor/fleet"
	"fleet-monitor/geohash"
	"fleet-monitor/matching"
	"fleet-monitor/models"
	"fleet-monitor/monitor"
	"fleet-monitor/view"
)

const (
	defaultCellPrecision = 6
	boundsPadding        = 0.1
)

// Fleet is the read side of the monitor.
type Fleet interface {
	Store() *fleet.Store
	Status() monitor.Status
}

// Handler serves read-only views of the live fleet.
type Handler struct {
	fleet  Fleet
	logger *zap.Logger

	mu         sync.Mutex
	index      *geohash.Index
	indexedVer uint64
}

func NewHandler(f Fleet, logger *zap.Logger) *Handler {
	return &Handler{fleet: f, logger: logger.Named("api")}
}

// indexFor returns a spatial index of st, reusing the last one while the
// fleet version is unchanged.
func (h *Handler) indexFor(st fleet.FleetState) *geohash.Index {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.index == nil || h.indexedVer != st.Version() {
		h.index = geohash.NewIndex(view.WithPosition(st))
		h.indexedVer = st.Version()
	}
	return h.index
}

// ListFleet returns the roster in display order.
func (h *Handler) ListFleet(w http.ResponseWriter, r *http.Request) {
	st := h.fleet.Store().Snapshot()
	h.respond(w, http.StatusOK, map[string]interface{}{
		"version": st.Version(),
		"drivers": view.Ordered(st.Records()),
	})
}

// Summary returns counts, map bounds and connectivity.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	st := h.fleet.Store().Snapshot()
	h.respond(w, http.StatusOK, map[string]interface{}{
		"summary": view.Summarize(st, boundsPadding),
		"status":  h.fleet.Status(),
	})
}

// Viewport returns the drivers inside a map viewport.
func (h *Handler) Viewport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [4]float64
	for i, name := range []string{"minLat", "minLng", "maxLat", "maxLng"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			http.Error(w, "Invalid or missing "+name, http.StatusBadRequest)
			return
		}
		vals[i] = v
	}
	if !models.ValidCoordinate(vals[0], vals[1]) || !models.ValidCoordinate(vals[2], vals[3]) {
		http.Error(w, "Viewport out of range", http.StatusBadRequest)
		return
	}
	st := h.fleet.Store().Snapshot()
	drivers := h.indexFor(st).Within(vals[0], vals[1], vals[2], vals[3])
	if drivers == nil {
		drivers = []models.DriverRecord{}
	}
	h.respond(w, http.StatusOK, map[string]interface{}{
		"version": st.Version(),
		"drivers": drivers,
	})
}

// Cells returns positioned drivers clustered by geohash.
func (h *Handler) Cells(w http.ResponseWriter, r *http.Request) {
	precision := defaultCellPrecision
	if p := r.URL.Query().Get("precision"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 12 {
			http.Error(w, "Invalid precision", http.StatusBadRequest)
			return
		}
		precision = n
	}
	st := h.fleet.Store().Snapshot()
	h.respond(w, http.StatusOK, map[string]interface{}{
		"version": st.Version(),
		"cells":   geohash.Cells(st.Records(), uint(precision)),
	})
}

// Nearest finds the closest ONLINE driver to a pickup point.
func (h *Handler) Nearest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil || !models.ValidCoordinate(lat, lng) {
		http.Error(w, "Invalid lat/lng", http.StatusBadRequest)
		return
	}
	m, err := matching.NearestAvailable(h.fleet.Store().Snapshot(), lat, lng)
	if errors.Is(err, matching.ErrNoDriver) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.respond(w, http.StatusOK, m)
}

// GetDriver returns one resident driver.
func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	id := models.DriverID(mux.Vars(r)["driver_id"])
	rec, ok := h.fleet.Store().Snapshot().Get(id)
	if !ok {
		http.Error(w, "Driver not found", http.StatusNotFound)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

// Health reports connectivity. It answers 200 even while the stream is down:
// the monitor keeps serving the last known state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.fleet.Status())
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("writing response", zap.Error(err))
	}
}
