package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/api"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/callback"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/config"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/contract"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/identity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/secrets"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/statemachine"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/transfer"
)

// ProtocolDSP is the protocol id of the dataspace protocol over HTTP.
const ProtocolDSP = "dataspace-protocol-http"

// connector is the assembled process: stores, services, state machines and
// the HTTP surface over them.
type connector struct {
	db           *sql.DB
	handler      http.Handler
	health       http.Handler
	tokens       *identity.TokenManager
	negotiations *negotiation.Service
	transfers    *transfer.Service
	negManager   *statemachine.Manager[*negotiation.ContractNegotiation]
	tpManager    *statemachine.Manager[*transfer.TransferProcess]
	amqp         *callback.AMQPDispatcher
	callbacks    *callback.Dispatcher
	redis        *redis.Client
}

func runServer(ctx context.Context, stdout io.Writer) error {
	fmt.Fprintln(stdout, "Dataspace connector starting...")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = cfg.ConnectorID
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}

	c, err := assemble(ctx, cfg, db, dialect, obs)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer c.close()

	if err := c.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: c.handler, ReadHeaderTimeout: 10 * time.Second}
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: c.health, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 2)
	for _, s := range []*http.Server{srv, healthSrv} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	log.Printf("[connector] %s ready: http://localhost:%s (health :%s)", cfg.ConnectorID, cfg.Port, cfg.HealthPort)
	log.Printf("[connector] protocol address: %s", cfg.ProtocolAddress)
	log.Println("[connector] press ctrl+c to stop")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	log.Println("[connector] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	return runErr
}

// assemble wires every component over db. It does not start the state
// machines or listen on any port.
func assemble(ctx context.Context, cfg *config.Config, db *sql.DB, dialect store.Dialect, obs *observability.Provider) (*connector, error) {
	logger := slog.Default()
	storeOpts := store.Options{LeaseDuration: cfg.LeaseDuration, Logger: logger}
	negStore := store.NewSQLStore(db, dialect, "contract_negotiations", negotiation.New, storeOpts)
	tpStore := store.NewSQLStore(db, dialect, "transfer_processes", transfer.New, storeOpts)
	if err := negStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init negotiation store: %w", err)
	}
	if err := tpStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init transfer store: %w", err)
	}
	trx := store.NewSQLTransactionContext(db)
	log.Printf("[connector] store: ready (%s)", dialect.Name)

	engine, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}
	catalog := contract.NewMemoryCatalog()
	if cfg.CatalogFile != "" {
		if catalog, err = config.LoadCatalog(cfg.CatalogFile, engine); err != nil {
			return nil, err
		}
		log.Printf("[connector] catalog: loaded %s", cfg.CatalogFile)
	} else {
		log.Println("[connector] catalog: CATALOG_FILE not set, offering nothing")
	}
	resolver := contract.NewResolver(catalog, catalog, engine)

	tokens, err := setupIdentity(cfg)
	if err != nil {
		return nil, err
	}

	c := &connector{db: db, tokens: tokens}

	limiter := dispatcher.Limiters{dispatcher.NewLocalLimiter(cfg.DispatchRPS, cfg.DispatchBurst)}
	if cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		limiter = append(limiter, dispatcher.NewRedisLimiter(c.redis, cfg.DispatchRPS, cfg.DispatchBurst))
		log.Printf("[connector] redis: rate limiting via %s", cfg.RedisAddr)
	}

	registry := dispatcher.NewRegistry()
	dsp := dispatcher.NewHTTPDispatcher(dispatcher.HTTPConfig{
		Protocol:      ProtocolDSP,
		Timeout:       cfg.DispatchTimeout,
		Tokens:        tokens,
		Limiter:       limiter,
		Evaluator:     engine,
		Observability: obs,
	})
	negotiation.RegisterMessages(dsp, func(o negotiation.Offer) (policy.Policy, bool) {
		p, err := catalog.FindPolicy(context.Background(), o.PolicyID)
		return p, err == nil
	})
	transfer.RegisterMessages(dsp)
	registry.Register(dsp)

	secretResolver := secrets.Chain{secrets.NewEnvResolver(cfg.SecretPrefix)}
	registry.Register(callback.NewHTTPDispatcher(dispatcher.HTTPConfig{Timeout: cfg.DispatchTimeout, Observability: obs}, secretResolver))
	c.amqp = callback.NewAMQPDispatcher(secretResolver)
	registry.Register(c.amqp)

	router := events.NewRouter()
	router.Register("", events.SubscriberFunc(func(ctx context.Context, env events.Envelope) error {
		logger.DebugContext(ctx, "event", "type", env.Type, "id", env.ID)
		return nil
	}))
	router.Register("", callback.NewDispatcher(true, registry, nil, obs))
	c.callbacks = callback.NewDispatcher(false, registry, nil, obs)
	router.Register("", c.callbacks)

	c.negotiations = negotiation.NewService(negStore, trx, router, resolver, negotiation.ServiceConfig{
		OwnerID:       cfg.ConnectorID + "/api",
		ParticipantID: cfg.ParticipantID,
		Protocol:      ProtocolDSP,
	})
	c.transfers = transfer.NewService(tpStore, trx, router, transfer.ContractValidatorFunc(
		func(ctx context.Context, agent policy.Agent, contractID, assetID string) error {
			_, err := c.negotiations.ValidateAgreement(ctx, agent, contractID, assetID)
			return err
		}), transfer.ServiceConfig{OwnerID: cfg.ConnectorID + "/api", Protocol: ProtocolDSP})

	machine := statemachine.Config{
		OwnerID:    cfg.ConnectorID,
		Interval:   cfg.StateMachineInterval,
		BatchSize:  cfg.StateMachineBatchSize,
		RetryLimit: cfg.SendRetryLimit,
		Backoff: statemachine.Backoff{
			Base:      cfg.SendRetryBaseDelay,
			Max:       cfg.SendRetryMaxDelay,
			MaxJitter: cfg.SendRetryBaseDelay / 4,
		},
	}
	c.negManager = negotiation.NewManager(negStore, trx, registry, router, obs, negotiation.ManagerConfig{
		Machine:         machine,
		ProtocolAddress: cfg.ProtocolAddress,
	})
	c.tpManager = transfer.NewManager(tpStore, trx, registry, router, obs, transfer.ManagerConfig{
		Machine:         machine,
		ProtocolAddress: cfg.ProtocolAddress,
		Provisioner:     dataPlane(cfg.DataPlaneURL),
	})
	c.negotiations.OnChange(c.negManager.Wake)
	c.transfers.OnChange(c.tpManager.Wake)

	health := http.NewServeMux()
	health.HandleFunc("GET /health", c.healthz)
	c.health = health

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", c.healthz)
	api.NewProtocol(tokens, resolver, c.negotiations, c.transfers).Routes(mux, "/protocol")
	api.NewManagement(cfg.ManagementAPIKey, tokens, resolver, c.negotiations, c.transfers).Routes(mux, "/api/v1")
	c.handler = mux
	return c, nil
}

func setupIdentity(cfg *config.Config) (*identity.TokenManager, error) {
	seed, err := loadOrGenerateSeed(cfg.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	keySet, err := identity.NewKeySetFromSeed(seed)
	if err != nil {
		return nil, err
	}
	for kid, encoded := range cfg.TrustedKeys {
		pub, err := identity.ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_KEYS %s: %w", kid, err)
		}
		keySet.Trust(kid, pub)
	}
	kid, pub := keySet.Current()
	log.Printf("[connector] identity: %s kid=%s pub=%s (trusting %d keys)",
		cfg.ParticipantID, kid, base64.StdEncoding.EncodeToString(pub), len(cfg.TrustedKeys))
	return identity.NewTokenManager(keySet, cfg.ParticipantID, nil, nil), nil
}

// dataPlane hands provider transfers an HTTP endpoint for their asset under
// baseURL. Consumer transfers and an empty baseURL provision nothing.
func dataPlane(baseURL string) transfer.Provisioner {
	if baseURL == "" {
		return transfer.NoopProvisioner
	}
	return transfer.ProvisionerFunc(func(_ context.Context, tp *transfer.TransferProcess) result.StatusResult[map[string]string] {
		if tp.Type != transfer.Provider {
			return result.Success[map[string]string](nil)
		}
		return result.Success(map[string]string{
			"type":     "HttpData",
			"endpoint": baseURL + "/" + tp.AssetID,
		})
	})
}

func (c *connector) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		api.WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (c *connector) start(ctx context.Context) error {
	if err := c.negManager.Start(ctx); err != nil {
		return fmt.Errorf("start negotiation manager: %w", err)
	}
	if err := c.tpManager.Start(ctx); err != nil {
		c.negManager.Stop()
		return fmt.Errorf("start transfer manager: %w", err)
	}
	log.Println("[connector] state machines: running")
	return nil
}

func (c *connector) close() {
	c.negManager.Stop()
	c.tpManager.Stop()
	c.callbacks.Wait()
	if err := c.amqp.Close(); err != nil {
		log.Printf("[connector] amqp close: %v", err)
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	_ = c.db.Close()
}
