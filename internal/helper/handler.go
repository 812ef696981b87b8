package helper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/plexsphere/fwpanel/internal/command"
)

// maxCommandBytes bounds the size of a command request body.
const maxCommandBytes = 4 << 20

// Executor runs a command and returns its reply.
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) command.Reply
}

// Handler provides the HTTP handlers of the helper API.
type Handler struct {
	exec   Executor
	auth   Authorizer
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(exec Executor, auth Authorizer, logger *slog.Logger) *Handler {
	return &Handler{
		exec:   exec,
		auth:   auth,
		logger: logger.With("component", "helper"),
	}
}

// Mux returns a configured ServeMux with all helper routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/command", h.handleCommand)
	mux.HandleFunc("GET /v1/health", h.handleHealth)
	return mux
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err := dec.Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "command too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid command: "+err.Error())
		return
	}
	if cmd.ID == "" || cmd.Kind == 0 {
		writeError(w, http.StatusBadRequest, "invalid command: id and cmd are required")
		return
	}
	if cmd.Args == nil {
		cmd.Args = command.Args{}
	}

	if err := h.auth.Authorize(r, cmd.Kind); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	h.logger.Debug("command received", "cmd", cmd.Kind, "id", cmd.ID)
	writeJSON(w, http.StatusOK, h.exec.Execute(r.Context(), cmd))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
