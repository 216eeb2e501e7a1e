package registryapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/resource"
)

var validate = validator.New()

// registrationRequest is the body of POST /resource.
type registrationRequest struct {
	Type string         `json:"type" validate:"required,oneof=node device source flow sender receiver"`
	Data map[string]any `json:"data" validate:"required"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"I'm a mock registry"})
}

func (s *Server) handleXNMOS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"query/", "registration/"})
}

func (s *Server) handleRegistrationBase(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Enabled() {
		WriteError(w, registry.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, []string{"resource/", "health/"})
}

func (s *Server) handlePostResource(w http.ResponseWriter, r *http.Request) {
	api := apiFrom(r)

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: %v", registry.ErrBadRequest, err))
		return
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, fmt.Errorf("%w: %v", registry.ErrBadRequest, err))
		return
	}
	t, err := resource.Parse(req.Type)
	if err != nil {
		WriteError(w, fmt.Errorf("%w: %v", registry.ErrBadRequest, err))
		return
	}

	created, err := s.registry.Add(auth.Identity(r.Context()), api, t, req.Data)
	if err != nil {
		WriteError(w, err)
		return
	}

	id, _ := req.Data["id"].(string)
	w.Header().Set("Location", fmt.Sprintf("/x-nmos/registration/%s/resource/%s/%s", api, t.Plural(), id))
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, req.Data)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	t, ok := pluralType(chi.URLParam(r, "type"))
	if !ok {
		WriteError(w, fmt.Errorf("%w: resource type %q", registry.ErrNotFound, chi.URLParam(r, "type")))
		return
	}

	err := s.registry.Delete(auth.Identity(r.Context()), apiFrom(r), t, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	at, err := s.registry.Heartbeat(auth.Identity(r.Context()), apiFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"health": at.Unix()})
}

func (s *Server) handleQueryBase(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Enabled() {
		WriteError(w, registry.ErrUnavailable)
		return
	}
	listing := make([]string, 0, len(resource.Types())+1)
	for _, t := range resource.Types() {
		listing = append(listing, t.Plural()+"/")
	}
	listing = append(listing, "subscriptions/")
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	t, ok := pluralType(chi.URLParam(r, "type"))
	if !ok {
		WriteError(w, fmt.Errorf("%w: resource type %q", registry.ErrNotFound, chi.URLParam(r, "type")))
		return
	}

	params, err := registry.ParseListParams(r.URL.Query())
	if err != nil {
		WriteError(w, err)
		return
	}
	page, err := s.registry.Query().List(t, params, apiFrom(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	if page.Paged {
		setPagingHeaders(w, r, page)
	}
	writeJSON(w, http.StatusOK, page.Items)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	t, ok := pluralType(chi.URLParam(r, "type"))
	if !ok {
		WriteError(w, fmt.Errorf("%w: resource type %q", registry.ErrNotFound, chi.URLParam(r, "type")))
		return
	}
	doc, err := s.registry.Query().GetOne(t, chi.URLParam(r, "id"), apiFrom(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.registry.Subscriptions()
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handlePostSubscription(w http.ResponseWriter, r *http.Request) {
	var req registry.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: %v", registry.ErrBadRequest, err))
		return
	}

	sub, created, err := s.registry.CreateSubscription(apiFrom(r), req)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/x-nmos/query/%s/subscriptions/%s", apiFrom(r), sub.ID))
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.LookupSubscription(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteSubscription(chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pluralType resolves a collection name such as "senders".
func pluralType(s string) (resource.Type, bool) {
	t, err := resource.Parse(s)
	if err != nil || t.Plural() != s {
		return 0, false
	}
	return t, true
}
