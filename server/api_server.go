package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const apiKeyHeader = "X-Api-Key"

// ApiServer exposes the operator control plane: CRUD over routes and kick
// operations against the live connection registry.
type ApiServer struct {
	apiKey   string
	routes   IRoutes
	registry IRegistry
	metrics  *ConnectorMetrics

	router *mux.Router
}

func NewApiServer(apiKey string, routes IRoutes, registry IRegistry, metrics *ConnectorMetrics) *ApiServer {
	a := &ApiServer{
		apiKey:   apiKey,
		routes:   routes,
		registry: registry,
		metrics:  metrics,
		router:   mux.NewRouter(),
	}

	a.router.Use(a.recoverMiddleware, a.authMiddleware)

	a.router.HandleFunc("/routes", a.listRoutes).Methods(http.MethodGet)
	a.router.HandleFunc("/routes", a.createRoute).Methods(http.MethodPost)
	a.router.HandleFunc("/routes/{domain}", a.getRoute).Methods(http.MethodGet)
	a.router.HandleFunc("/routes/{domain}", a.updateRoute).Methods(http.MethodPut)
	a.router.HandleFunc("/routes/{domain}", a.deleteRoute).Methods(http.MethodDelete)

	a.router.HandleFunc("/connections", a.listConnections).Methods(http.MethodGet)
	a.router.HandleFunc("/connections/{id:[0-9]+}", a.kickById).Methods(http.MethodDelete)
	a.router.HandleFunc("/connections/kick/username", a.kickByUsername).Methods(http.MethodPost)
	a.router.HandleFunc("/connections/kick/ip", a.kickByIp).Methods(http.MethodPost)
	a.router.HandleFunc("/connections/kick/uuid", a.kickByUuid).Methods(http.MethodPost)

	return a
}

// Handler exposes the routing tree, primarily for tests.
func (a *ApiServer) Handler() http.Handler {
	return a.router
}

func (a *ApiServer) Start(apiBinding string) {
	logrus.WithField("binding", apiBinding).Info("Serving API requests")
	go func() {
		logrus.WithError(
			http.ListenAndServe(apiBinding, a.router)).Error("API server failed")
	}()
}

func (a *ApiServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				logrus.WithField("panic", p).Error("API handler panicked")
				writeJsonError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *ApiServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get(apiKeyHeader)
		if given == "" {
			writeJsonError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(a.apiKey)) != 1 {
			writeJsonError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type routeRequest struct {
	Domain string `json:"domain,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

type kickRequest struct {
	Name string `json:"name,omitempty"`
	Ip   string `json:"ip,omitempty"`
	Uuid string `json:"uuid,omitempty"`
	Port int    `json:"port"`
}

func (a *ApiServer) listRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJson(w, http.StatusOK, a.routes.List())
}

func (a *ApiServer) createRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Domain == "" || !validBackend(req.Host, req.Port) {
		writeJsonError(w, http.StatusBadRequest, "Invalid domain, host, or port")
		return
	}

	backend := Backend{Host: req.Host, Port: req.Port}
	if err := a.routes.Create(req.Domain, backend); err != nil {
		if errors.Is(err, ErrRouteExists) {
			writeJsonError(w, http.StatusConflict, "Route already exists")
		} else {
			logrus.WithError(err).Error("Could not create route")
			writeJsonError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	writeJson(w, http.StatusCreated, map[string]interface{}{
		"message": "Route created successfully",
		"route":   backend,
	})
}

func (a *ApiServer) getRoute(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	backend, exists := a.routes.Get(domain)
	if !exists {
		writeJsonError(w, http.StatusNotFound, "Route not found")
		return
	}
	writeJson(w, http.StatusOK, backend)
}

func (a *ApiServer) updateRoute(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validBackend(req.Host, req.Port) {
		writeJsonError(w, http.StatusBadRequest, "Invalid host or port")
		return
	}

	backend := Backend{Host: req.Host, Port: req.Port}
	if err := a.routes.Update(domain, backend); err != nil {
		if errors.Is(err, ErrRouteNotFound) {
			writeJsonError(w, http.StatusNotFound, "Route not found")
		} else {
			logrus.WithError(err).Error("Could not update route")
			writeJsonError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	writeJson(w, http.StatusOK, map[string]interface{}{
		"message": "Route updated successfully",
		"route":   backend,
	})
}

func (a *ApiServer) deleteRoute(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	if !a.routes.Delete(domain) {
		writeJsonError(w, http.StatusNotFound, "Route not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ApiServer) listConnections(w http.ResponseWriter, _ *http.Request) {
	writeJson(w, http.StatusOK, a.registry.Enumerate())
}

func (a *ApiServer) kickById(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid connection id")
		return
	}

	if !a.registry.Kick(id) {
		writeJsonError(w, http.StatusNotFound, "Connection not found")
		return
	}
	a.metrics.SessionsKicked.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func (a *ApiServer) kickByUsername(w http.ResponseWriter, r *http.Request) {
	a.kickMatching(w, r, func(req *kickRequest) ([]ConnectionRecord, string) {
		if req.Name == "" {
			return nil, "Name is required"
		}
		return a.registry.ByUsername(req.Name, req.Port), ""
	})
}

func (a *ApiServer) kickByIp(w http.ResponseWriter, r *http.Request) {
	a.kickMatching(w, r, func(req *kickRequest) ([]ConnectionRecord, string) {
		if req.Ip == "" {
			return nil, "Ip is required"
		}
		return a.registry.ByIP(req.Ip, req.Port), ""
	})
}

func (a *ApiServer) kickByUuid(w http.ResponseWriter, r *http.Request) {
	a.kickMatching(w, r, func(req *kickRequest) ([]ConnectionRecord, string) {
		if req.Uuid == "" {
			return nil, "Uuid is required"
		}
		return a.registry.ByUuid(req.Uuid, req.Port), ""
	})
}

func (a *ApiServer) kickMatching(w http.ResponseWriter, r *http.Request,
	query func(*kickRequest) ([]ConnectionRecord, string)) {

	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		writeJsonError(w, http.StatusBadRequest, "Invalid port")
		return
	}

	matches, validationError := query(&req)
	if validationError != "" {
		writeJsonError(w, http.StatusBadRequest, validationError)
		return
	}

	kicked := 0
	for _, record := range matches {
		if a.registry.Kick(record.ID) {
			kicked++
		}
	}
	if kicked > 0 {
		a.metrics.SessionsKicked.Add(float64(kicked))
	}

	if kicked == 0 {
		writeJson(w, http.StatusNotFound, map[string]interface{}{
			"error":  "No matching connections",
			"kicked": 0,
		})
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"kicked": kicked,
	})
}

func validBackend(host string, port int) bool {
	return host != "" && port >= 1 && port <= 65535
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode API response")
	}
}

func writeJsonError(w http.ResponseWriter, status int, message string) {
	writeJson(w, status, map[string]string{"error": message})
}
