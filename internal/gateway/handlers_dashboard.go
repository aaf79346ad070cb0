package gateway

import (
	"context"
	"net/http"

	"github.com/aelexs/edge-auth-gateway/internal/errmap"
	"github.com/aelexs/edge-auth-gateway/internal/metrics"
)

// DashboardHandler serves the operator dashboard's read-only stats queries.
// The router mounts it behind the session filter and the dashboard role
// policy; nothing here checks identity itself.
type DashboardHandler struct {
	agg *metrics.Aggregator
}

// NewDashboardHandler wraps the aggregator.
func NewDashboardHandler(agg *metrics.Aggregator) *DashboardHandler {
	return &DashboardHandler{agg: agg}
}

func (h *DashboardHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Realtime)
}

func (h *DashboardHandler) Services(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Services)
}

func (h *DashboardHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Traffic)
}

func (h *DashboardHandler) Latency(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Latency)
}

func (h *DashboardHandler) Database(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Database)
}

func (h *DashboardHandler) Redis(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.Redis)
}

func (h *DashboardHandler) SlowEndpoints(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.agg.SlowEndpoints)
}

func serve[T any](w http.ResponseWriter, r *http.Request, query func(context.Context) (T, error)) {
	data, err := query(r.Context())
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}
	writeData(w, data)
}
