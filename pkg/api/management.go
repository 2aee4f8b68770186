package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/transfer"
)

// APIKeyHeader carries the management key when one is configured.
const APIKeyHeader = "X-Api-Key"

// Management serves the operator endpoints: starting processes, issuing
// commands and reading their state.
type Management struct {
	apiKey       string
	auth         Authenticator
	catalog      CatalogSource
	negotiations *negotiation.Service
	transfers    *transfer.Service
}

// NewManagement builds the operator API. An empty apiKey leaves the
// endpoints open, which is only meant for local runs.
func NewManagement(apiKey string, auth Authenticator, catalog CatalogSource, negotiations *negotiation.Service, transfers *transfer.Service) *Management {
	return &Management{apiKey: apiKey, auth: auth, catalog: catalog, negotiations: negotiations, transfers: transfers}
}

type negotiationView struct {
	*negotiation.ContractNegotiation
	StateName string `json:"stateName"`
}

type transferView struct {
	*transfer.TransferProcess
	StateName string `json:"stateName"`
}

func viewNegotiation(n *negotiation.ContractNegotiation) negotiationView {
	return negotiationView{ContractNegotiation: n, StateName: negotiation.StateName(n.State)}
}

func viewTransfer(tp *transfer.TransferProcess) transferView {
	return transferView{TransferProcess: tp, StateName: transfer.StateName(tp.State)}
}

// Routes mounts the management endpoints under prefix, e.g. "/api/v1".
func (m *Management) Routes(mux *http.ServeMux, prefix string) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, m.requireKey(h))
	}

	// The catalog is read as the agent named by the bearer token, so an
	// operator sees exactly what that participant would be offered.
	mux.HandleFunc("GET "+prefix+"/catalog", func(w http.ResponseWriter, r *http.Request) {
		agent, err := m.auth.AgentFromAuthorization(r.Header.Get("Authorization"))
		if err != nil {
			WriteUnauthorized(w, r, err.Error())
			return
		}
		defs, err := m.catalog.DefinitionsFor(r.Context(), agent)
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, defs)
	})

	handle("POST "+prefix+"/negotiations", func(w http.ResponseWriter, r *http.Request) {
		var req negotiation.InitiateRequest
		if err := decode(w, r, &req); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		n, err := m.negotiations.Initiate(r.Context(), req)
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewNegotiation(n))
	})
	handle("GET "+prefix+"/negotiations/{id}", func(w http.ResponseWriter, r *http.Request) {
		n, err := m.negotiations.Find(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewNegotiation(n))
	})
	handle("POST "+prefix+"/negotiations/{id}/terminate", command(func(ctx context.Context, id string, cmd negotiation.TerminateNegotiation) error {
		cmd.ID = id
		return m.negotiations.Terminate(ctx, cmd)
	}))
	handle("POST "+prefix+"/negotiations/{id}/agree", command(func(ctx context.Context, id string, cmd negotiation.AgreeNegotiation) error {
		cmd.ID = id
		return m.negotiations.Agree(ctx, cmd)
	}))
	handle("POST "+prefix+"/negotiations/{id}/accept", command(func(ctx context.Context, id string, cmd negotiation.AcceptNegotiation) error {
		cmd.ID = id
		return m.negotiations.Accept(ctx, cmd)
	}))

	handle("POST "+prefix+"/transfers", func(w http.ResponseWriter, r *http.Request) {
		var req transfer.InitiateRequest
		if err := decode(w, r, &req); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		tp, err := m.transfers.Initiate(r.Context(), req)
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewTransfer(tp))
	})
	handle("GET "+prefix+"/transfers/{id}", func(w http.ResponseWriter, r *http.Request) {
		tp, err := m.transfers.Find(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewTransfer(tp))
	})
	handle("POST "+prefix+"/transfers/{id}/terminate", command(func(ctx context.Context, id string, cmd transfer.TerminateTransfer) error {
		cmd.ID = id
		return m.transfers.Terminate(ctx, cmd)
	}))
	handle("POST "+prefix+"/transfers/{id}/suspend", command(func(ctx context.Context, id string, cmd transfer.SuspendTransfer) error {
		cmd.ID = id
		return m.transfers.Suspend(ctx, cmd)
	}))
	handle("POST "+prefix+"/transfers/{id}/resume", command(func(ctx context.Context, id string, cmd transfer.ResumeTransfer) error {
		cmd.ID = id
		return m.transfers.Resume(ctx, cmd)
	}))
	handle("POST "+prefix+"/transfers/{id}/complete", command(func(ctx context.Context, id string, cmd transfer.CompleteTransfer) error {
		cmd.ID = id
		return m.transfers.Complete(ctx, cmd)
	}))
}

func (m *Management) requireKey(next http.Handler) http.Handler {
	if m.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(m.apiKey)) != 1 {
			WriteUnauthorized(w, r, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// command decodes an optional body into C and runs fn for the path id.
// Accepted commands answer 204.
func command[C any](fn func(ctx context.Context, id string, cmd C) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cmd C
		if err := decode(w, r, &cmd); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, r, err.Error())
			return
		}
		if err := fn(r.Context(), r.PathValue("id"), cmd); err != nil {
			WriteFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
