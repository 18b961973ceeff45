package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/netsync"
	"github.com/argus-labs/lockstep/pkg/lockstep/scheduler"
	"github.com/argus-labs/lockstep/pkg/telemetry"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	transport string
	listen    string
	natsURL   string
	match     string
	players   int
	seed      uint32
	issuer    string
	tick      time.Duration
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "host one match until it ends or the process is interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.transport, "transport", "ws", "client transport: ws or nats")
	cmd.Flags().StringVar(&f.listen, "listen", ":8080", "websocket listen address")
	cmd.Flags().StringVar(&f.natsURL, "nats-url", "", "NATS server URL, overrides NATS_URL")
	cmd.Flags().StringVar(&f.match, "match", "default", "match id, part of the NATS subjects")
	cmd.Flags().IntVar(&f.players, "players", 0, "players needed to start, overrides LOCKSTEP_MATCH_MAX_PLAYERS")
	cmd.Flags().Uint32Var(&f.seed, "seed", 0, "random seed sent to the clients, random when zero")
	cmd.Flags().StringVar(&f.issuer, "issuer", "lockstepd", "expected token issuer when "+envJWTSecret+" is set")
	cmd.Flags().DurationVar(&f.tick, "tick", 5*time.Millisecond, "server tick interval")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, f serveFlags) error {
	tel, err := telemetry.New(telemetry.Options{ServiceName: "lockstepd"})
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown() }()
	log := tel.GetLogger("serve")

	cfg, err := lockstep.LoadConfig()
	if err != nil {
		return err
	}
	matchCfg, err := netsync.LoadServerConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("players") {
		matchCfg.MaxPlayers = f.players
		if err := matchCfg.Validate(); err != nil {
			return eris.Wrap(err, "invalid --players")
		}
	}

	transport, run, err := newTransport(ctx, f, &tel)
	if err != nil {
		return err
	}

	seed := f.seed
	if seed == 0 {
		seed = uint32(time.Now().UnixNano()) //nolint:gosec // any seed will do
	}
	opts := []netsync.ServerOption{
		netsync.WithServerConfig(matchCfg),
		netsync.WithGameParams(lockstep.GameParams{RandomSeed: seed}),
		netsync.WithLogger(tel.GetLogger("netsync.server")),
	}
	if secret := os.Getenv(envJWTSecret); secret != "" {
		opts = append(opts, netsync.WithAuthenticator(netsync.NewJWTAuthenticator([]byte(secret), f.issuer)))
	}
	srv := netsync.NewServer(transport, cfg, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv.OnMatchStarted(func() {
		log.Info().Strs("players", srv.PlayerIDs()).Msg("match started")
	})
	srv.OnMatchFinished(func(m *netsync.MatchFinished) {
		log.Info().Int("results", len(m.Results)).Msg("match finished")
		cancel()
	})

	if err := srv.Start(ctx); err != nil {
		return eris.Wrap(err, "failed to start match server")
	}
	defer func() { _ = srv.Close() }()

	serveTransport(ctx, run, cancel, log)

	sched := scheduler.New(f.tick, scheduler.WithLogger(tel.GetLogger("scheduler")))
	sched.Add(srv)
	log.Info().Str("transport", f.transport).Str("match", f.match).Int("players", matchCfg.MaxPlayers).
		Uint32("seed", seed).Msg("waiting for players")

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Bool("match_ended", srv.MatchEnded()).Msg("shutting down")
	return nil
}

// serveTransport runs run in the background, if there is one, and cancels the match when it
// fails.
func serveTransport(ctx context.Context, run func(context.Context) error, cancel context.CancelFunc, log zerolog.Logger) {
	if run == nil {
		return
	}
	go func() {
		if err := run(ctx); err != nil {
			log.Error().Err(err).Msg("transport failed")
			cancel()
		}
	}()
}

// newTransport builds the server transport. The returned run func, if any, serves until ctx is
// done.
func newTransport(
	ctx context.Context, f serveFlags, tel *telemetry.Telemetry,
) (netsync.ServerTransport, func(context.Context) error, error) {
	switch f.transport {
	case "nats":
		opts := []netsync.NATSOption{netsync.WithNATSLogger(tel.GetLogger("nats"))}
		if f.natsURL != "" {
			opts = append(opts, netsync.WithNATSConfig(netsync.NATSConfig{Name: "lockstepd", URL: f.natsURL}))
		}
		nc, err := netsync.NewNATSClient(opts...)
		if err != nil {
			return nil, nil, err
		}
		context.AfterFunc(ctx, nc.Close)
		return netsync.NewNATSServerTransport(nc.Conn, f.match, tel.GetLogger("nats")), nil, nil

	case "ws":
		ws := netsync.NewWebsocketServerTransport(tel.GetLogger("websocket"))
		mux := http.NewServeMux()
		mux.Handle("/match/"+f.match, ws)
		return ws, func(ctx context.Context) error { return listenAndServe(ctx, f.listen, mux, tel.GetLogger("http")) }, nil

	default:
		return nil, nil, eris.Errorf("unknown transport %q, want ws or nats", f.transport)
	}
}

func listenAndServe(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "http server failed")
	}
	return nil
}
