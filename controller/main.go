package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarctl/solarctl/controller/cache"
	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/engine"
	"github.com/solarctl/solarctl/controller/middleware"
	"github.com/solarctl/solarctl/controller/store"
	"github.com/solarctl/solarctl/controller/streaming"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	// Store: Redis is primary. The in-memory store exists for tests and
	// single-process experiments only.
	var st store.Store
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	if redisAddr == "memory" {
		log.Println("Using in-memory store (ephemeral, single process only)")
		st = store.NewMemoryStore()
	} else {
		redisStore, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		log.Printf("Connected to Redis at %s", redisAddr)
		st = redisStore
	}

	// Durable audit archive when Postgres is configured.
	var archive store.AuditArchive
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresArchive(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		archive = pg
		log.Println("Audit archive enabled (Postgres)")
	}

	// Cache reclamation sweep; readers never depend on it.
	store.NewCacheReaper(st, 10*time.Minute).Start(ctx)

	// Provider clients behind the shared instrumented call path.
	harness := clients.NewHarness(clients.NewStoreMeter(st))
	fox := clients.NewFoxESS(envOr("FOXESS_BASE_URL", "https://www.foxesscloud.com"), harness)
	amber := clients.NewAmber(envOr("AMBER_BASE_URL", "https://api.amber.com.au/v1"), harness)
	weather := clients.NewWeather(envOr("WEATHER_BASE_URL", "https://api.open-meteo.com"), harness)

	telemetryCache := cache.NewTelemetry(st, fox)
	priceCache := cache.NewPrices(st, amber)
	weatherCache := cache.NewWeather(st, weather)

	eng := engine.New(st, archive, fox, telemetryCache, priceCache, weatherCache, nil)
	api := NewAPI(st, archive, eng, priceCache)

	// Engine events go to the log and to live WebSocket subscribers.
	eng.SetPublisher(streaming.Fanout{streaming.LogPublisher{}, api.wsHub})
	go api.wsHub.Run(ctx)

	deadline := 50 * time.Second
	if v := os.Getenv("CYCLE_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			deadline = d
		}
	}
	driver := NewDriver(eng, st, deadline)
	if err := driver.Start(); err != nil {
		log.Fatalf("Failed to start tick driver: %v", err)
	}
	defer driver.Stop()

	// Routes. Bearer tokens come from API_TOKENS ("token:uid,..."). With
	// no tokens configured the server trusts the tenant header instead,
	// for local development only.
	tokens := os.Getenv("API_TOKENS")
	authed := func(h http.HandlerFunc) http.Handler {
		if tokens == "" {
			return middleware.TenantMiddleware(h)
		}
		return middleware.AuthMiddleware(middleware.StaticTokens(tokens), h)
	}
	if tokens == "" {
		log.Printf("API_TOKENS unset: trusting %s header (dev mode)", middleware.TenantHeader)
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/api/config", authed(api.handleConfig))
	http.Handle("/api/rules", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleRules(w, r)
			return
		}
		api.withIdempotency(api.handleRules)(w, r)
	}))
	http.Handle("/api/rules/", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleRuleByID(w, r)
			return
		}
		api.withIdempotency(api.handleRuleByID)(w, r)
	}))

	http.Handle("/api/automation/enable", authed(api.handleAutomationEnable))
	http.Handle("/api/automation/cycle", authed(api.withIdempotency(api.handleAutomationCycle)))
	http.Handle("/api/automation/status", authed(api.handleAutomationStatus))
	http.Handle("/api/automation/history", authed(api.handleHistory))
	http.Handle("/api/automation/stream", authed(api.handleEventStream))

	http.Handle("/api/metrics/api-calls", authed(api.handleAPICallMetrics))
	http.Handle("/api/prices/history", authed(api.handlePriceHistory))

	http.Handle("/api/quickcontrol/start", authed(api.withIdempotency(api.handleQuickControlStart)))
	http.Handle("/api/quickcontrol/stop", authed(api.withIdempotency(api.handleQuickControlStop)))
	http.Handle("/api/quickcontrol/status", authed(api.handleQuickControlStatus))

	http.Handle("/metrics", promhttp.Handler())

	handler := middleware.CORSMiddleware(http.DefaultServeMux)
	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("solarctl controller listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
