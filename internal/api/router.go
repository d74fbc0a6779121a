package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter assembles the daemon's HTTP surface. metricsHandler serves
// /metrics and may be nil.
func NewRouter(sh *SessionHandler, mh *MessageHandler, dh *DirectoryHandler, metricsHandler http.Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/status", sh.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/profile", sh.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/profile/image", sh.uploadImage).Methods(http.MethodPost)
	v1.HandleFunc("/register", sh.register).Methods(http.MethodPost)
	v1.HandleFunc("/register/fee", sh.getFee).Methods(http.MethodGet)
	v1.HandleFunc("/presence", sh.setPresence).Methods(http.MethodPost)
	v1.HandleFunc("/reset", sh.reset).Methods(http.MethodPost)

	v1.HandleFunc("/users", dh.listUsers).Methods(http.MethodGet)
	v1.HandleFunc("/handles/{name}", dh.lookupHandle).Methods(http.MethodGet)

	v1.HandleFunc("/conversations", mh.listConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", mh.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages", mh.send).Methods(http.MethodPost)
	v1.HandleFunc("/messages/failed", mh.listFailed).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/retry", mh.retry).Methods(http.MethodPost)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	return r
}

func requestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
}
