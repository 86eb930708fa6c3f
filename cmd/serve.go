package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/gate"
	"github.com/sells-group/po-intake/internal/model"
)

var (
	servePort        int
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resolution service",
	Long:  "Serves the status and resolve endpoints and runs the continuous embedding scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Ping(ctx); err != nil {
			return eris.Wrap(err, "store ping")
		}

		if !serveNoScheduler {
			env.Scheduler.Start(ctx)
			defer env.Scheduler.Stop()
		}

		router := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(env *appEnv) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		stats, err := env.Maintainer.Stats(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Processing model.ProcessingStatus `json:"processing"`
			Backlog    []model.BacklogStats   `json:"backlog"`
			Scheduler  bool                   `json:"schedulerRunning"`
		}{env.Gate.Status(), stats, env.Scheduler.Running()})
	})

	r.Post("/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Kind      model.EntityKind `json:"kind"`
			PO        string           `json:"po,omitempty"`
			Email     string           `json:"email,omitempty"`
			Reference model.Reference  `json:"reference"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !body.Kind.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown kind %q", body.Kind)})
			return
		}
		if body.Reference.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reference.text is required"})
			return
		}

		// One purchase-order resolution at a time.
		if !env.Gate.TryAcquire(gate.Update{
			Step:  "resolving " + string(body.Kind),
			Email: body.Email,
			PO:    body.PO,
		}) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a resolution is already in flight, retry later"})
			return
		}
		defer env.Gate.Release(nil)

		result, err := env.Orchestrator.Resolve(req.Context(), body.Kind, body.Reference)
		if err != nil {
			zap.L().Error("resolution failed",
				zap.String("kind", string(body.Kind)),
				zap.String("reference", body.Reference.Text),
				zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "disable the continuous embedding scheduler")
	rootCmd.AddCommand(serveCmd)
}
