package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hackc-pool/hackpoold/internal/assembler"
	"github.com/hackc-pool/hackpoold/internal/broker"
	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
	"github.com/hackc-pool/hackpoold/internal/platform/queue"
	"github.com/hackc-pool/hackpoold/internal/platform/web"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientHub maps a request id to the WebSocket connection waiting on its
// result.
var (
	clientHub = make(map[string]*websocket.Conn)
	hubMu     sync.RWMutex
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := loadConfig()

	sup := broker.NewSupervisor(cfg.compiler, cfg.mode, newLauncher(cfg), broker.SlogAdapter{L: logger}, emptyConfigJSON, emptyMiscConfig)
	svc := broker.NewService(sup, assembler.Passthrough{}, broker.SlogAdapter{L: logger}, cfg.compiler.MaxRetries)

	limiter := web.NewRateLimiter(cfg.rateLimit.rate, cfg.rateLimit.burst, cfg.rateLimit.cleanupInterval, cfg.rateLimit.idleTimeout)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/compile", limiter.RateLimitMiddleware(handleCompile(svc)))
	mux.HandleFunc("GET /api/ws", handleWS())
	mux.HandleFunc("GET /api/version", handleVersion(sup))

	var redisQ *queue.RedisQueue
	if cfg.redisAddr != "" {
		redisQ = queue.NewRedisQueue(cfg.redisAddr, "hackc:requests", "hackc:workers")
		go runDistributedWorker(svc, redisQ)
		go broadcastResults(redisQ)
		mux.HandleFunc("POST /api/compile/async", limiter.RateLimitMiddleware(handleCompileAsync(redisQ)))
	}

	handler := enableCORS(mux)

	addr := os.Getenv("HACKC_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("hackc broker server starting", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type rateLimitConfig struct {
	rate            float64
	burst           float64
	cleanupInterval time.Duration
	idleTimeout     time.Duration
}

type serverConfig struct {
	compiler  domain.Config
	mode      domain.Mode
	launcher  string
	dockerImg string
	redisAddr string
	rateLimit rateLimitConfig
}

func loadConfig() serverConfig {
	cfg := serverConfig{
		compiler: domain.Config{
			Command:        strings.Fields(getenv("HACKC_COMMAND", "")),
			Workers:        getenvUint("HACKC_WORKERS", 4),
			MaxRetries:     getenvUint("HACKC_MAX_RETRIES", 2),
			VerboseErrors:  getenvBool("HACKC_VERBOSE_ERRORS", false),
			InheritConfig:  getenvBool("HACKC_INHERIT_CONFIG", false),
			ResetThreshold: getenvUint("HACKC_RESET_THRESHOLD", 0),
		},
		launcher:  getenv("HACKC_LAUNCHER", "exec"),
		dockerImg: getenv("HACKC_DOCKER_IMAGE", "hackc:latest"),
		redisAddr: os.Getenv("REDIS_ADDR"),
		rateLimit: rateLimitConfig{
			rate:            getenvFloat("HACKC_RATE_LIMIT_RPS", 0.5),
			burst:           getenvFloat("HACKC_RATE_LIMIT_BURST", 5.0),
			cleanupInterval: getenvDuration("HACKC_RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
			idleTimeout:     getenvDuration("HACKC_RATE_LIMIT_IDLE_TIMEOUT", 3*time.Minute),
		},
	}

	switch getenv("HACKC_MODE", "fatal") {
	case "never":
		cfg.mode = domain.ModeNever
	case "fallback":
		cfg.mode = domain.ModeFallback
	default:
		cfg.mode = domain.ModeFatal
	}
	return cfg
}

func newLauncher(cfg serverConfig) func(ctx context.Context) (launcher.Launcher, error) {
	return func(ctx context.Context) (launcher.Launcher, error) {
		if cfg.launcher == "docker" {
			return launcher.NewDockerLauncher(ctx, cfg.dockerImg)
		}
		return launcher.NewExecLauncher(), nil
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func emptyConfigJSON() []byte { return nil }
func emptyMiscConfig() []byte { return nil }

type compileRequestBody struct {
	Filename string `json:"filename"`
	Code     string `json:"code"`
}

func handleCompile(svc *broker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req compileRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code is required", http.StatusBadRequest)
			return
		}

		result := svc.Compile(r.Context(), domain.CompileRequest{
			Filename: req.Filename,
			Source:   []byte(req.Code),
		})

		w.Header().Set("Content-Type", "application/json")
		if result.Err != "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": result.Err})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "filename": result.Emitter.Filename})
	}
}

func handleCompileAsync(q *queue.RedisQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req compileRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id := uuid.New().String()
		qreq := queue.Request{
			ID: id,
			Compile: domain.CompileRequest{
				Filename: req.Filename,
				Source:   []byte(req.Code),
			},
		}
		if err := q.Publish(r.Context(), qreq); err != nil {
			slog.Error("failed to publish compile request", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"request_id": id, "status": "queued"})
	}
}

func handleVersion(sup *broker.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := sup.VersionString(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"version": v})
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func handleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if requestID == "" {
			http.Error(w, "request_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}

		hubMu.Lock()
		clientHub[requestID] = conn
		hubMu.Unlock()

		defer func() {
			hubMu.Lock()
			delete(clientHub, requestID)
			hubMu.Unlock()
			conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}

func runDistributedWorker(svc *broker.Service, q *queue.RedisQueue) {
	ctx := context.Background()
	reqs, err := q.Subscribe(ctx)
	if err != nil {
		slog.Error("failed to subscribe to compile requests", "error", err)
		return
	}
	for req := range reqs {
		result := svc.Compile(ctx, req.Compile)
		if err := q.Broadcast(ctx, queue.Result{RequestID: req.ID, Result: result}); err != nil {
			slog.Error("failed to broadcast compile result", "error", err)
		}
		if err := q.Acknowledge(ctx, req.RawID); err != nil {
			slog.Error("failed to acknowledge compile request", "error", err)
		}
	}
}

func broadcastResults(q *queue.RedisQueue) {
	results, err := q.SubscribeResults(context.Background())
	if err != nil {
		slog.Error("failed to subscribe to compile results", "error", err)
		return
	}
	for res := range results {
		hubMu.RLock()
		conn, exists := clientHub[res.RequestID]
		hubMu.RUnlock()
		if !exists {
			continue
		}
		if err := conn.WriteJSON(res); err != nil {
			slog.Error("failed to write to websocket", "requestID", res.RequestID, "error", err)
		}
	}
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
