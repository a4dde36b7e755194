package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/agentkernel/internal/audit"
	"github.com/ocx/agentkernel/internal/capability"
	"github.com/ocx/agentkernel/internal/checkpoint"
	"github.com/ocx/agentkernel/internal/circuitbreaker"
	"github.com/ocx/agentkernel/internal/config"
	"github.com/ocx/agentkernel/internal/events"
	"github.com/ocx/agentkernel/internal/gateway"
	"github.com/ocx/agentkernel/internal/governance"
	"github.com/ocx/agentkernel/internal/lifecycle"
	"github.com/ocx/agentkernel/internal/metrics"
	"github.com/ocx/agentkernel/internal/multitenancy"
	"github.com/ocx/agentkernel/internal/policy"
	"github.com/ocx/agentkernel/internal/scheduler"
	"github.com/ocx/agentkernel/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Get()
	log.Println("starting agentkernel...")

	m := metrics.New()

	persistentStore, storeHealth := buildStore(cfg)
	auditSink := audit.NewSink(audit.StoreAdapter{Store: persistentStore}, slog.Default())

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig("default"), metrics.NewCircuitRecorder(m))
	checkpointBreaker := breakers.GetOrCreate("checkpoint", circuitbreaker.Config{
		Name:             "checkpoint",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    time.Duration(cfg.CircuitBreaker.FailureWindowMs) * time.Millisecond,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})

	checkpointStore := buildCheckpointStore()
	checkpoints := checkpoint.NewManager(checkpointStore, checkpointBreaker)

	bus := events.NewBus()
	var pubsubForwarder *events.DurableForwarder
	if cfg.PubSub.Enabled {
		fwd, err := events.NewDurableForwarder(context.Background(), cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Printf("pubsub durable forwarder unavailable, continuing without it: %v", err)
		} else {
			fwd.Attach(bus)
			pubsubForwarder = fwd
		}
	}

	gov := governance.New(func(name string, payload map[string]interface{}) {
		tenantID, _ := payload["tenant_id"].(string)
		bus.Emit(name, "agentkernel/governance", "", tenantID, payload)
	}, persistentStore)

	sandbox, err := capability.New(capability.Config{
		HMACSecret:          cfg.Capability.HMACSecret,
		PreviousHMACSecret:  cfg.Capability.PreviousHMACSecret,
		RotationGracePeriod: time.Duration(cfg.Capability.RotationGraceSec) * time.Second,
		MaxTokensPerAgent:   cfg.Capability.MaxTokensPerAgent,
		ProductionHardening: cfg.Hardening.EnforceProductionHardening,
	}, func(entry capability.AuditEntry) {
		sev := audit.Info
		if !entry.Allowed {
			sev = audit.Warn
		}
		auditSink.Log(audit.Entry{
			TenantID: entry.TenantID, AgentID: entry.AgentID, Category: "permission",
			EventType: "capability.check", Severity: sev,
			Metadata: map[string]interface{}{"action": entry.Action, "resource": entry.Resource, "allowed": entry.Allowed, "reason": entry.Reason},
		})
	}, func(agentID string, category capability.Category) bool {
		return gov.IsActivelySanctioned(agentID, string(category))
	}, persistentStore)
	if err != nil {
		log.Fatalf("capability sandbox: %v", err)
	}

	policyEngine := policy.NewEngine(persistentStore)

	sched := scheduler.New(time.Duration(cfg.Server.ShutdownGracePeriodMs) * time.Millisecond)
	sched.Register("sanction-expiry", 30*time.Second, func(ctx context.Context) error {
		gov.ExpireSanctions()
		return nil
	})
	sched.Register("capability-sweep", time.Minute, func(ctx context.Context) error {
		sandbox.SweepExpired()
		return nil
	})
	sched.AddListener(func(res scheduler.ExecutionResult) {
		outcome := "success"
		if res.Outcome == scheduler.OutcomeFailure {
			outcome = "failure"
		}
		m.RecordJobRun(res.JobID, outcome, float64(res.DurationMs)/1000)
		if res.Outcome == scheduler.OutcomeFailure {
			log.Printf("scheduled job %s failed: %v", res.JobID, res.Error)
		}
	})
	sched.Start()

	lifecycleMgr := lifecycle.New(lifecycle.Config{
		Sandbox:       sandbox,
		Policy:        policyEngine,
		Governance:    gov,
		Checkpoints:   checkpoints,
		Bus:           bus,
		AuditSink:     auditSink,
		Store:         persistentStore,
		ShutdownGrace: time.Duration(cfg.Server.ShutdownGracePeriodMs) * time.Millisecond,
		Source:        "agentkernel/lifecycle",
	})

	providers := gateway.NewProviderRegistry()

	tenants := multitenancy.NewTenantManager(multitenancy.NewMemKeyStore())

	router := gateway.NewRouter()
	registerHandlers(router, lifecycleMgr, policyEngine, gov, sandbox, tenants, providers)
	hub := gateway.NewHub(router)

	forwardKernelEventsToHub(bus, hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	if n, err := lifecycleMgr.Recover(ctx, func(taskCtx context.Context, agentID string, task lifecycle.Task) (lifecycle.Result, error) {
		return lifecycle.Result{}, fmt.Errorf("agent %s recovered but has no provider binding until re-spawned by the gateway", agentID)
	}); err != nil {
		log.Printf("crash recovery scan failed: %v", err)
	} else if n > 0 {
		log.Printf("crash recovery reconstructed %d agent(s)", n)
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/health", healthHandler(storeHealth, breakers)).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		tenantID := tenantFromRequest(tenants, req)
		hub.HandleWebSocket(w, req, tenantID)
	})

	addr := ":" + cfg.Server.Port
	if cfg.Server.Port == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("agentkernel listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	waitForShutdown(srv, sched, cancel, pubsubForwarder, time.Duration(cfg.Server.ShutdownGracePeriodMs)*time.Millisecond)
}

func buildStore(cfg *config.Config) (store.Store, func() string) {
	if cfg.Supabase.URL != "" {
		s, err := store.NewSupabaseStore()
		if err != nil {
			if cfg.Hardening.RequirePersistentStore {
				log.Fatalf("persistent store required but unreachable: %v", err)
			}
			log.Printf("supabase store unavailable, falling back to in-memory: %v", err)
			mem := store.NewMemStore()
			return mem, func() string { return "degraded" }
		}
		return s, func() string { return "ok" }
	}
	if cfg.Hardening.RequirePersistentStore {
		log.Fatalf("REQUIRE_PERSISTENT_STORE is set but no Supabase URL is configured")
	}
	mem := store.NewMemStore()
	return mem, func() string { return "ok" }
}

func buildCheckpointStore() checkpoint.Store {
	if dir := os.Getenv("CHECKPOINT_DIR"); dir != "" {
		fs, err := checkpoint.NewFileStore(dir)
		if err != nil {
			log.Fatalf("checkpoint store: %v", err)
		}
		return fs
	}
	return checkpoint.NewMemStore()
}

func forwardKernelEventsToHub(bus *events.Bus, hub *gateway.Hub) {
	sub := bus.SubscribePattern("**")
	go func() {
		for event := range sub.C {
			hub.BroadcastEvent(event)
		}
	}()
}

func tenantFromRequest(tenants *multitenancy.TenantManager, r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return r.Header.Get("X-Tenant-ID")
	}
	tenantID, err := tenants.ValidateAPIKey(key)
	if err != nil {
		return ""
	}
	return tenantID
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Tenant-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(storeHealth func() string, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storeHealth()
		body := map[string]interface{}{}
		if bh, details := breakers.HealthStatus(); bh != "" {
			body["circuit_breakers"] = details
			if bh == "degraded" && status == "ok" {
				status = "degraded"
			}
		}
		body["status"] = status
		w.Header().Set("Content-Type", "application/json")
		if status == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(body)
	}
}

func waitForShutdown(srv *http.Server, sched *scheduler.Scheduler, cancel context.CancelFunc, pubsubForwarder *events.DurableForwarder, grace time.Duration) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down...")
	cancel()
	sched.Stop()
	if pubsubForwarder != nil {
		pubsubForwarder.Close()
	}

	ctx, done := context.WithTimeout(context.Background(), grace)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
