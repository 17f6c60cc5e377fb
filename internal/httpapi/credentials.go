package httpapi

import (
	"net/http"

	"github.com/spinelabs/spine/internal/credstore"
)

// credentialJSON is the wire shape of a stored credential. Passwords never
// appear in a response.
type credentialJSON struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

func (h *Handler) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	creds, err := h.creds.List(r.Context(), usernameFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]credentialJSON, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialJSON{Name: c.Name, Username: c.Username})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

type credentialRequest struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleCredentialUpsert stores a device login under the caller's account.
// An empty name becomes the caller's default credential.
func (h *Handler) handleCredentialUpsert(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		h.writeJSONError(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.Password == "" {
		h.writeJSONError(w, http.StatusBadRequest, "password is required")
		return
	}

	cred := &credstore.Credential{
		Owner:    usernameFrom(r.Context()),
		Name:     req.Name,
		Username: req.Username,
		Password: req.Password,
	}
	if err := h.creds.Put(r.Context(), cred); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, credentialJSON{Name: cred.Name, Username: cred.Username})
}

func (h *Handler) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.creds.Delete(r.Context(), usernameFrom(r.Context()), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}
