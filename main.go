package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codecollab-server/config"
	"codecollab-server/core"
	"codecollab-server/handlers/api/documents"
	"codecollab-server/handlers/api/rooms"
	"codecollab-server/handlers/auth"
	"codecollab-server/handlers/websocket"
	authmw "codecollab-server/middleware"
	"codecollab-server/realtime"
	"codecollab-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type server struct {
	store    core.DocumentStore
	access   core.AccessChecker
	registry core.RoomRegistry
	service  *realtime.Service
	verifier *auth.Verifier
}

func setupRouter(s *server, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":      "ok",
			"connections": s.service.Hub().Sessions(),
		})
	})

	r.Route("/api/documents", func(r chi.Router) {
		r.Use(authmw.AuthJWT(s.verifier))
		r.Post("/", documents.HandleCreate(s.store))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(s.store, s.access))
			r.Post("/collaborators", documents.HandleAddCollaborator(s.store, s.access))
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authmw.AuthJWT(s.verifier))
		r.Get("/api/rooms", rooms.HandleList(s.service, s.registry))
	})

	return r
}

// newAccessChecker restricts documents to their collaborators unless
// authentication is disabled.
func newAccessChecker(cfg *config.Config, store core.DocumentStore) core.AccessChecker {
	if !cfg.AuthEnabled() {
		logrus.Warn("JWT_SECRET is not set. Authentication is disabled and every caller may open any document.")
		return core.AllowAll{}
	}
	return core.CollaboratorAccess{Store: store}
}

func run(ctx context.Context, cfg *config.Config) error {
	documentStore, err := stores.GetStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	var roomRegistry core.RoomRegistry
	if registry, ok := documentStore.(core.RoomRegistry); ok {
		roomRegistry = registry
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	access := newAccessChecker(cfg, documentStore)

	sockets := websocket.NewRegistry()
	service := realtime.NewService(documentStore, access, roomRegistry, sockets, realtime.Options{
		SaveDelay:     cfg.Collab.SaveDelay,
		RelayInterval: cfg.Collab.RelayInterval,
		StoreTimeout:  cfg.Collab.StoreTimeout,
	})

	r := setupRouter(&server{
		store:    documentStore,
		access:   access,
		registry: roomRegistry,
		service:  service,
		verifier: verifier,
	}, cfg.CORS.Origins)
	ioo := websocket.SetupSocketIO(sockets, service, verifier, cfg.CORS.Origins)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.Listen).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		service.Shutdown()
		return fmt.Errorf("start server: %w", err)
	case <-ctx.Done():
	}

	logrus.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Collab.StoreTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	ioo.Close(nil)
	service.Shutdown()
	return nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "codecollab-server",
		Short:         "Real-time collaborative code editing server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if err := godotenv.Load(); err != nil {
				logrus.Info("No .env file found")
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}

			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.RegisterFlags(rootCmd.Flags())

	rootCmd.AddCommand(newTokenCmd())
	return rootCmd
}

func newTokenCmd() *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign a development token for subject using JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), nil)
			if err != nil {
				return err
			}
			token, err := auth.NewVerifier(cfg.Auth.JWTSecret).CreateJWT(args[0], name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "Token lifetime")
	return cmd
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
