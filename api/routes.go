package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func RegisterRoutes(h *Handler, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()

	// Fleet endpoints
	router.HandleFunc("/fleet", h.ListFleet).Methods("GET")
	router.HandleFunc("/fleet/summary", h.Summary).Methods("GET")
	router.HandleFunc("/fleet/viewport", h.Viewport).Methods("GET")
	router.HandleFunc("/fleet/cells", h.Cells).Methods("GET")
	router.HandleFunc("/fleet/nearest", h.Nearest).Methods("GET")

	// Driver endpoints
	router.HandleFunc("/drivers/{driver_id}", h.GetDriver).Methods("GET")

	router.HandleFunc("/healthz", h.Health).Methods("GET")

	// Add CORS support
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	access := zap.NewStdLog(logger.Named("access")).Writer()
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger.Named("recovery"))),
	)
	return recovery(handlers.LoggingHandler(access, cors(router)))
}
