package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stemsi/exstem-guard/internal/agent"
	"github.com/stemsi/exstem-guard/internal/client"
	"github.com/stemsi/exstem-guard/internal/engine"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/validator"
	"github.com/stemsi/exstem-guard/internal/violation"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent for one candidate",
	Long: `Start the engine for the candidate identified by the agent token and serve
the localhost bridge the exam browser connects to.

The token comes from --token, AGENT_TOKEN, or an interactive prompt.`,
	Example: `  # Token from the environment
  AGENT_TOKEN=eyJ... exstem-agent run

  # Custom bridge address and central server
  exstem-agent run --listen 127.0.0.1:9000 --server http://10.0.0.5:8080`,
	RunE: runAgent,
}

func init() {
	f := runCmd.Flags()
	f.String("token", "", "Student token issued by the central server")
	f.String("listen", "", "Bridge listen address (default AGENT_LISTEN_ADDR)")
	f.String("server", "", "Central server URL (default SERVER_URL)")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := resolveToken(cmd)
	if err != nil {
		return err
	}
	studentID, err := client.StudentIDFromToken(token)
	if err != nil {
		return fmt.Errorf("agent token: %w", err)
	}

	serverURL := cfg.ServerURL
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		serverURL = strings.TrimRight(s, "/")
	}
	listen := cfg.AgentListenAddr
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		listen = l
	}

	gin.SetMode(cfg.GinMode)
	validator.Setup()

	srv := client.New(serverURL, token, 0, log)
	settings := loadSettings(ctx, srv)

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}
	defer closeStore()

	eng := engine.New(ctx, engine.Config{
		StudentID:    studentID,
		Settings:     settings,
		Monitor:      violation.Options{FocusDebounce: cfg.FocusDebounce},
		SyncInterval: cfg.SyncInterval,
	}, srv, store, log)
	defer eng.Close()

	bridge := agent.NewBridge(eng, cfg.ProctorPinHash, cfg.AllowedOrigins, log)
	go bridge.Pump()
	go agent.NewConnectivity(srv, eng, cfg.HealthProbeInterval, log).Run(ctx)
	go agent.NewHeartbeater(eng, srv, cfg.HeartbeatInterval, log).Run(ctx)

	httpSrv := &http.Server{
		Addr:    listen,
		Handler: bridge.Router(log),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", listen).
			Str("server", serverURL).
			Int("student_id", studentID).
			Str("cache", cfg.CacheBackend).
			Msg("Agent bridge listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down agent...")
	case err := <-errc:
		return fmt.Errorf("bridge: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Bridge shutdown error")
	}
	return nil
}

func resolveToken(cmd *cobra.Command) (string, error) {
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		return t, nil
	}
	if cfg.AgentToken != "" {
		return cfg.AgentToken, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no agent token: set AGENT_TOKEN or pass --token")
	}

	fmt.Fprint(os.Stderr, "Agent token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("empty agent token")
	}
	return token, nil
}

// loadSettings prefers the server's thresholds and falls back to the
// environment when the server is unreachable or returns invalid values.
func loadSettings(ctx context.Context, srv *client.ServerClient) model.ProctorSettings {
	fallback := cfg.ProctorDefaults()

	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := srv.ProctorSettings(fctx)
	if err != nil {
		log.Warn().Err(err).Msg("Proctor settings unavailable, using local defaults")
		return fallback
	}
	if fields := validator.Struct(s); fields != nil || s.MaxViolationsBeforeWarning > s.MaxViolationsBeforeAutoSubmit {
		log.Warn().Interface("fields", fields).Msg("Server sent invalid proctor settings, using local defaults")
		return fallback
	}
	return s
}
