package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contract"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/transfer"
)

// PathCatalog is where counter-parties request the catalog visible to them.
const PathCatalog = "/catalog/request"

// Authenticator turns an Authorization header into the calling agent.
// *identity.TokenManager satisfies it.
type Authenticator interface {
	AgentFromAuthorization(header string) (policy.Agent, error)
}

// CatalogSource lists the definitions an agent may see.
type CatalogSource interface {
	DefinitionsFor(ctx context.Context, agent policy.Agent) ([]contract.Definition, error)
}

// Protocol serves the inbound side of the dataspace protocol. Every request
// is authenticated; the verified agent is the counter-party the services
// match against stored processes.
type Protocol struct {
	auth         Authenticator
	catalog      CatalogSource
	negotiations *negotiation.Service
	transfers    *transfer.Service
	logger       *slog.Logger
}

func NewProtocol(auth Authenticator, catalog CatalogSource, negotiations *negotiation.Service, transfers *transfer.Service) *Protocol {
	return &Protocol{
		auth:         auth,
		catalog:      catalog,
		negotiations: negotiations,
		transfers:    transfers,
		logger:       slog.Default().With("component", "api.protocol"),
	}
}

// Routes mounts the protocol endpoints under prefix, e.g. "/protocol".
func (p *Protocol) Routes(mux *http.ServeMux, prefix string) {
	post := func(path string, h http.HandlerFunc) {
		mux.HandleFunc("POST "+prefix+path, h)
	}

	post(PathCatalog, p.authenticated(func(w http.ResponseWriter, r *http.Request, agent policy.Agent) {
		defs, err := p.catalog.DefinitionsFor(r.Context(), agent)
		if err != nil {
			WriteFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, defs)
	}))

	post(negotiation.PathRequest, inbound(p, func(ctx context.Context, agent policy.Agent, msg *negotiation.ContractRequestMessage) (any, error) {
		n, err := p.negotiations.HandleRequest(ctx, agent, msg)
		if err != nil {
			return nil, err
		}
		return negotiation.Ack{ProcessID: n.ID}, nil
	}))
	post(negotiation.PathOffer, inbound(p, ack(p.negotiations.HandleOffer)))
	post(negotiation.PathAgreement, inbound(p, ack(p.negotiations.HandleAgreement)))
	post(negotiation.PathVerification, inbound(p, ack(p.negotiations.HandleVerification)))
	post(negotiation.PathEvents, inbound(p, ack(p.negotiations.HandleEvent)))
	post(negotiation.PathTermination, inbound(p, ack(p.negotiations.HandleTermination)))

	post(transfer.PathRequest, inbound(p, func(ctx context.Context, agent policy.Agent, msg *transfer.TransferRequestMessage) (any, error) {
		tp, err := p.transfers.HandleRequest(ctx, agent, msg)
		if err != nil {
			return nil, err
		}
		return transfer.Ack{ProcessID: tp.ID}, nil
	}))
	post(transfer.PathStart, inbound(p, ack(p.transfers.HandleStart)))
	post(transfer.PathCompletion, inbound(p, ack(p.transfers.HandleCompletion)))
	post(transfer.PathSuspension, inbound(p, ack(p.transfers.HandleSuspension)))
	post(transfer.PathTermination, inbound(p, ack(p.transfers.HandleTermination)))
}

type agentHandler func(w http.ResponseWriter, r *http.Request, agent policy.Agent)

func (p *Protocol) authenticated(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := p.auth.AgentFromAuthorization(r.Header.Get("Authorization"))
		if err != nil {
			p.logger.WarnContext(r.Context(), "rejected protocol request", "path", r.URL.Path, "error", err)
			WriteUnauthorized(w, r, "")
			return
		}
		next(w, r, agent)
	}
}

// inbound decodes the message body as M and hands it to fn. A nil response
// is answered with an empty 200.
func inbound[M any](p *Protocol, fn func(ctx context.Context, agent policy.Agent, msg *M) (any, error)) http.HandlerFunc {
	return p.authenticated(func(w http.ResponseWriter, r *http.Request, agent policy.Agent) {
		var msg M
		if err := decode(w, r, &msg); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		out, err := fn(r.Context(), agent, &msg)
		if err != nil {
			p.logger.InfoContext(r.Context(), "protocol message refused", "path", r.URL.Path, "agent", agent.Identity, "error", err)
			WriteFailure(w, r, err)
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

func ack[M any](fn func(ctx context.Context, agent policy.Agent, msg *M) error) func(context.Context, policy.Agent, *M) (any, error) {
	return func(ctx context.Context, agent policy.Agent, msg *M) (any, error) {
		return nil, fn(ctx, agent, msg)
	}
}
