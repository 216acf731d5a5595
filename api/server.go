package api

import (
	"chargerd/internal"
	"chargerd/internal/config"
	"fmt"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

const (
	statusEndpoint      = "/api/status"
	sessionsEndpoint    = "/api/sessions"
	sessionFileEndpoint = "/api/sessions/:fileNo"
	diagnosticsEndpoint = "/api/diagnostics"
	uploadEndpoint      = "/api/diagnostics/upload"
	emptyLogEndpoint    = "/api/diagnostics/clear"
	clearEndpoint       = "/api/transactions/clear"
)

// Server is the local maintenance HTTP API, bound to localhost by default.
type Server struct {
	conf       *config.Config
	httpServer *http.Server
	handler    *Handler
	logger     internal.LogHandler
}

func NewServer(conf *config.Config, handler *Handler) *Server {
	server := Server{
		conf:    conf,
		handler: handler,
	}
	router := httprouter.New()
	server.register(router)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return &server
}

func (s *Server) SetLogger(logger internal.LogHandler) {
	s.logger = logger
}

func (s *Server) register(router *httprouter.Router) {
	router.GET(statusEndpoint, s.handleStatus)
	router.GET(sessionsEndpoint, s.handleSessions)
	router.DELETE(sessionFileEndpoint, s.handleDeleteSession)
	router.GET(diagnosticsEndpoint, s.handleDiagnostics)
	router.POST(uploadEndpoint, s.handleUpload)
	router.POST(emptyLogEndpoint, s.handleEmptyLog)
	router.POST(clearEndpoint, s.handleClear)
}

func (s *Server) Start() error {
	if !s.conf.Api.Enabled {
		return nil
	}
	s.logger.Debug(fmt.Sprintf("starting api server on %s", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := s.handler.status()
	if err != nil {
		s.logger.Error("composing status report", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := s.handler.storedSessions()
	if err != nil {
		s.logger.Error("reading stored sessions", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	code, err := s.handler.deleteSession(params.ByName("fileNo"))
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: session delete from %s rejected: %s", r.RemoteAddr, err))
	}
	w.WriteHeader(code)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := s.handler.publishDiagnostics()
	if err != nil {
		s.logger.Error("publishing diagnostics log", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleEmptyLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	code, err := s.handler.clearDiagnostics()
	if err != nil {
		s.logger.Error("api: emptying diagnostics log", err)
	}
	w.WriteHeader(code)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	code, err := s.handler.startUpload(body)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: upload request from %s rejected: %s", r.RemoteAddr, err))
	}
	w.WriteHeader(code)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	code, err := s.handler.clearTransactions()
	if err != nil {
		s.logger.Error("api: clearing transaction data", err)
	}
	w.WriteHeader(code)
}
