package transport

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/vinayprograms/pulsekit/logging"
)

// Ingester accepts readings. *hub.Hub satisfies it.
type Ingester interface {
	Ingest(ownerUserID string, value float64)
}

// IngestRequest is the body of POST /ingest.
type IngestRequest struct {
	HeartRate float64 `json:"heartRate"`
}

// IngestHandler accepts a reading for the authenticated user and answers
// 202 before any processing happens.
type IngestHandler struct {
	ingester Ingester
	identity Identity
	log      *logging.Logger
}

// NewIngestHandler creates an ingest endpoint. A nil identity uses
// HeaderIdentity.
func NewIngestHandler(ing Ingester, identity Identity, log *logging.Logger) *IngestHandler {
	if identity == nil {
		identity = HeaderIdentity
	}
	if log == nil {
		log = logging.Discard()
	}
	return &IngestHandler{ingester: ing, identity: identity, log: log.WithComponent("ingest")}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := h.identity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if math.IsNaN(req.HeartRate) || math.IsInf(req.HeartRate, 0) {
		http.Error(w, "heart rate must be finite", http.StatusBadRequest)
		return
	}

	h.ingester.Ingest(userID, req.HeartRate)
	w.WriteHeader(http.StatusAccepted)
}
