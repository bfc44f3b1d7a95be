package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router serves the read-only status endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/version", s.HandlerVersion)
	r.Get("/stats", s.HandlerStats)
	r.NotFound(HandleNotFound)
	r.MethodNotAllowed(HandleNotFound)
	return r
}

func HandleNotFound(w http.ResponseWriter, req *http.Request) {
	returnFailure(w, req, fmt.Errorf("function not found: %s", req.RequestURI), http.StatusNotFound)
}

// Generic failure
func returnFailure(w http.ResponseWriter, req *http.Request, err error, statusCode int) {
	resp := make(map[string]interface{})
	resp["status"] = "failed"
	resp["err"] = err.Error()

	respJSON, _ := json.Marshal(resp)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(respJSON)
	logging.DebugLogger.Println("Status endpoint: " + err.Error())
}

func returnOK(w http.ResponseWriter, respJSON map[string]interface{}) {
	respJSON["status"] = "OK"
	respByte, _ := json.Marshal(respJSON)

	w.Header().Set("Content-Type", "application/json")
	w.Write(respByte)
}

// Handle /version request
func (s *Server) HandlerVersion(w http.ResponseWriter, req *http.Request) {
	returnOK(w, map[string]interface{}{"version": s.cfg.Version})
}

// Handle /stats request
func (s *Server) HandlerStats(w http.ResponseWriter, req *http.Request) {
	returnOK(w, map[string]interface{}{
		"pipeline":    s.pipeline.Stats(),
		"connections": s.OpenConns(),
	})
}
