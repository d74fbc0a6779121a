package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/handle"
	"github.com/amigochat/amigo/internal/profile"
	"github.com/amigochat/amigo/internal/status"
)

// Registrar is the slice of the contract gateway the session handler needs.
type Registrar interface {
	Register(ctx context.Context, name, imageRef string) error
	IsHandleAvailable(ctx context.Context, name string) (bool, error)
	RegistrationFee(ctx context.Context) (*big.Int, error)
	UpdateProfileImage(ctx context.Context, imageRef string) error
	UpdateOnlineStatus(ctx context.Context, online bool) error
}

// Pinner uploads images to the pinning service. Nil when no credentials are
// configured.
type Pinner interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	URLFor(hash string) string
}

// SessionHandler serves daemon status and the local account's registration
// and profile operations.
type SessionHandler struct {
	session string
	machine *status.Machine
	tracker *profile.Tracker
	engine  *chat.Engine
	gateway Registrar
	pinner  Pinner
	logger  *zap.Logger
}

// NewSessionHandler creates a session handler. pinner may be nil.
func NewSessionHandler(session string, machine *status.Machine, tracker *profile.Tracker, engine *chat.Engine, gateway Registrar, pinner Pinner, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		session: session,
		machine: machine,
		tracker: tracker,
		engine:  engine,
		gateway: gateway,
		pinner:  pinner,
		logger:  logger,
	}
}

type statusResponse struct {
	Session      string           `json:"session"`
	State        status.State     `json:"state"`
	Registration profile.State    `json:"registration"`
	Address      string           `json:"address"`
	Profile      *profile.Profile `json:"profile,omitempty"`
}

func (h *SessionHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session:      h.session,
		State:        h.machine.Current(),
		Registration: h.tracker.State(),
		Address:      h.engine.Self(),
	}
	if p, ok := h.tracker.Profile(); ok {
		resp.Profile = &p
	}
	respondJSON(w, http.StatusOK, resp)
}

type profileResponse struct {
	profile.Profile
	ImageURL string `json:"image_url,omitempty"`
}

func (h *SessionHandler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.tracker.Profile()
	if !ok {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "account not registered"})
		return
	}
	resp := profileResponse{Profile: p}
	if h.pinner != nil {
		resp.ImageURL = h.pinner.URLFor(p.ImageRef)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) getFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.gateway.RegistrationFee(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fee_wei": fee.String()})
}

type registerRequest struct {
	Handle   string `json:"handle"`
	ImageRef string `json:"image_ref,omitempty"`
}

// register claims a handle for the local account. The fee is read and
// attached by the gateway; the caller only names the handle. A multipart
// request may carry the profile image, which is pinned before any chain
// write; a pin failure aborts the registration.
func (h *SessionHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := h.decodeRegisterForm(r, &req); err != nil {
			respondError(w, h.logger, err)
			return
		}
	} else if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if err := handle.Validate(req.Handle); err != nil {
		respondError(w, h.logger, err)
		return
	}

	available, err := h.gateway.IsHandleAvailable(r.Context(), req.Handle)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if !available {
		respondJSON(w, http.StatusConflict, errorBody{Error: "handle already taken"})
		return
	}

	if err := h.gateway.Register(r.Context(), req.Handle, req.ImageRef); err != nil {
		respondError(w, h.logger, err)
		return
	}

	// The transaction mined; resolve the profile from chain rather than
	// trusting our own inputs.
	if err := h.tracker.Refresh(r.Context()); err != nil {
		h.logger.Warn("profile refresh after registration failed", zap.Error(err))
	}
	h.logger.Info("account registered", zap.String("handle", req.Handle))

	p, _ := h.tracker.Profile()
	respondJSON(w, http.StatusCreated, p)
}

func (h *SessionHandler) decodeRegisterForm(r *http.Request, req *registerRequest) error {
	req.Handle = r.FormValue("handle")
	file, header, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil
		}
		return chat.NewValidationError("bad image field: %v", err)
	}
	defer file.Close()

	if h.pinner == nil {
		return chat.NewValidationError("image given but no pinning credentials configured")
	}
	hash, err := h.pinner.Upload(r.Context(), header.Filename, file)
	if err != nil {
		return fmt.Errorf("pin profile image: %w", err)
	}
	req.ImageRef = hash
	return nil
}

// uploadImage pins the posted image and publishes its hash on chain.
func (h *SessionHandler) uploadImage(w http.ResponseWriter, r *http.Request) {
	if h.pinner == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no pinning credentials configured"})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, h.logger, chat.NewValidationError("missing image field: %v", err))
		return
	}
	defer file.Close()

	hash, err := h.pinner.Upload(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if err := h.gateway.UpdateProfileImage(r.Context(), hash); err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.engine.SetUserImage(h.engine.Self(), hash)

	respondJSON(w, http.StatusOK, map[string]string{
		"image_ref": hash,
		"image_url": h.pinner.URLFor(hash),
	})
}

type presenceRequest struct {
	Online bool `json:"online"`
}

func (h *SessionHandler) setPresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if err := h.gateway.UpdateOnlineStatus(r.Context(), req.Online); err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.engine.SetUserPresence(h.engine.Self(), req.Online, time.Now().UnixMilli())
	w.WriteHeader(http.StatusNoContent)
}

// reset wipes the canonical sets and the cache (logical logout).
func (h *SessionHandler) reset(w http.ResponseWriter, r *http.Request) {
	h.engine.Reset()
	h.tracker.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}
