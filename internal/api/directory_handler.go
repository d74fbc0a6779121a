package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/handle"
)

// HandleResolver is the slice of the contract gateway the directory handler
// needs.
type HandleResolver interface {
	IsHandleAvailable(ctx context.Context, name string) (bool, error)
	LookupHandle(ctx context.Context, name string) (string, error)
}

// DirectoryHandler serves the registered-user directory.
type DirectoryHandler struct {
	engine   *chat.Engine
	resolver HandleResolver
	logger   *zap.Logger
}

// NewDirectoryHandler creates a directory handler.
func NewDirectoryHandler(engine *chat.Engine, resolver HandleResolver, logger *zap.Logger) *DirectoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryHandler{engine: engine, resolver: resolver, logger: logger}
}

func (h *DirectoryHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	_, users := h.engine.Snapshot()
	if users == nil {
		users = []chat.User{}
	}
	respondJSON(w, http.StatusOK, users)
}

type handleResponse struct {
	Handle    string `json:"handle"`
	Available bool   `json:"available"`
	Owner     string `json:"owner,omitempty"`
}

// lookupHandle reports availability and, for claimed handles, the owner.
func (h *DirectoryHandler) lookupHandle(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := handle.Validate(name); err != nil {
		respondError(w, h.logger, err)
		return
	}

	available, err := h.resolver.IsHandleAvailable(r.Context(), name)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	resp := handleResponse{Handle: name, Available: available}
	if !available {
		owner, err := h.resolver.LookupHandle(r.Context(), name)
		if err != nil {
			respondError(w, h.logger, err)
			return
		}
		resp.Owner = owner
	}
	respondJSON(w, http.StatusOK, resp)
}
