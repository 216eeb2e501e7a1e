package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

// Router returns the node's HTTP handler: SDP files at the root, the IS-04
// Node API and the IS-05 Connection API.
func (n *Node) Router(verifier *auth.Verifier) http.Handler {
	if verifier == nil {
		verifier = auth.Disabled()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{"x-nmos/"})
	})
	r.Get("/{file}", n.handleSDP)

	r.Route("/x-nmos/node/{api}", func(r chi.Router) {
		r.Use(apiVersion)
		r.Use(verifier.Middleware(auth.ScopeNode, writeAuthError))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"self/", "sources/", "flows/", "devices/", "senders/", "receivers/"})
		})
		r.Get("/self", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, n.Self())
		})
		for _, empty := range []string{"/sources", "/flows", "/devices"} {
			r.Get(empty, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, []any{})
			})
		}
		r.Get("/senders", n.handleListResources(resource.Sender))
		r.Get("/senders/{id}", n.handleGetResource(resource.Sender))
		r.Get("/receivers", n.handleListResources(resource.Receiver))
		r.Get("/receivers/{id}", n.handleGetResource(resource.Receiver))
	})

	r.Route("/x-nmos/connection/{api}", func(r chi.Router) {
		r.Use(apiVersion)
		r.Use(verifier.Middleware(auth.ScopeConnection, writeAuthError))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"bulk/", "single/"})
		})
		r.Get("/single", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"senders/", "receivers/"})
		})
		for _, role := range []resource.Type{resource.Sender, resource.Receiver} {
			base := "/single/" + role.Plural()
			r.Get(base, n.handleListConnections(role))
			r.Get(base+"/{id}", n.handleConnectionBase(role))
			r.Get(base+"/{id}/constraints", n.handleConstraints(role))
			r.Get(base+"/{id}/staged", n.handleStaged(role))
			r.Patch(base+"/{id}/staged", n.handlePatch(role))
			r.Get(base+"/{id}/active", n.handleActive(role))
			r.Get(base+"/{id}/transporttype", n.handleTransportType(role))
		}
		r.Get("/single/senders/{id}/transportfile", n.handleTransportFile)
	})

	return r
}

func (n *Node) handleSDP(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	streamType, ok := strings.CutSuffix(file, ".sdp")
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", ErrNotFound, file))
		return
	}
	sdp, err := n.SDP(streamType)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = w.Write(sdp)
}

func (n *Node) handleListResources(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, n.Resources(role))
	}
}

func (n *Node) handleGetResource(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := n.Resource(role, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (n *Node) handleListConnections(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs := n.Resources(role)
		ids := make([]string, 0, len(docs))
		for _, doc := range docs {
			ids = append(ids, fmt.Sprint(doc["id"])+"/")
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

func (n *Node) handleConnectionBase(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := n.Resource(role, chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		listing := []string{"constraints/", "staged/", "active/", "transporttype/"}
		if role == resource.Sender {
			listing = append(listing, "transportfile/")
		}
		writeJSON(w, http.StatusOK, listing)
	}
}

func (n *Node) handleConstraints(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := n.Resource(role, chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{}})
	}
}

func (n *Node) handleStaged(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := n.Staged(role, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (n *Node) handleActive(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := n.Active(role, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (n *Node) handlePatch(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
		p, err := ParsePatch(role, body)
		if err != nil {
			writeError(w, err)
			return
		}

		// The registry sync outlives a client that hangs up early.
		staged, err := n.Patch(context.WithoutCancel(r.Context()), role, chi.URLParam(r, "id"), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, staged)
	}
}

func (n *Node) handleTransportType(role resource.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := n.Resource(role, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc["transport"])
	}
}

func (n *Node) handleTransportFile(w http.ResponseWriter, r *http.Request) {
	sdp, err := n.SenderSDP(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = w.Write(sdp)
}

func apiVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api, err := version.ParseAPI(chi.URLParam(r, "api"))
		if err != nil || api.Major != 1 {
			writeError(w, fmt.Errorf("%w: API version %q", ErrNotFound, chi.URLParam(r, "api")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
	Debug string `json:"debug"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrForbidden):
		return auth.StatusCode(err)
	}
	// Includes ErrUnsupportedActivation: the mock must fail loudly.
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	writeJSON(w, code, errorBody{Code: code, Error: http.StatusText(code), Debug: err.Error()})
}

func writeAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
