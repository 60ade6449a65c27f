package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	openapi "github.com/VerteraIO/loadmesh/api/openapi"
	"github.com/VerteraIO/loadmesh/internal/controlplane/dispatch"
)

// API carries the manager state the v1 handlers operate on.
type API struct {
	Dispatcher *dispatch.Dispatcher
	Logger     *zap.Logger
}

// Router returns the chi.Router for REST API v1.
func Router(api *API) chi.Router {
	if api.Logger == nil {
		api.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Worker connections are long-lived and stay outside the request timeout.
	r.Get("/connect", api.connectWorker)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Swagger UI and the OpenAPI document under the versioned prefix
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/api/v1/openapi.yaml"),
		))
		r.Get("/openapi.yaml", serveOpenAPIStaticAsset)

		r.Post("/jobs", api.submitJob)
		r.Get("/jobs", api.listJobs)
		r.Get("/jobs/{jobId}", api.getJob)
		r.Post("/jobs/{jobId}/requeue", api.requeueJob)

		r.Get("/workers", api.listWorkers)

		r.Get("/ledger/assignments", api.listAssignments)
		r.Get("/ledger/completions", api.listCompletions)
	})

	return r
}

func serveOpenAPIStaticAsset(w http.ResponseWriter, r *http.Request) {
	data, err := openapi.FS.ReadFile("v1/loadmesh.yaml")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read openapi document: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
