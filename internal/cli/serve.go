package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/4Players/odin-go/internal/devgateway"
	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/tracing"
)

var (
	serveMaxPeers  int
	serveRateRPS   float64
	serveCutoff    float64
	serveAccessKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local development gateway",
	Long: `serve starts an in-memory gateway on server.address. Rooms live in
process and disappear on restart. Without an access key a fresh one is
generated and logged, so tokens can be minted against it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tp, err := tracing.Init(tracingConfig(cfg, "odincli-serve"))
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		}()

		accessKey := serveAccessKey
		if accessKey == "" {
			accessKey = cfg.Auth.AccessKey
		}
		if accessKey == "" {
			accessKey, err = token.GenerateAccessKey()
			if err != nil {
				return err
			}
			log.Infow("generated ephemeral access key", "access_key", accessKey)
		}

		cutoff := serveCutoff
		if !cmd.Flags().Changed("cutoff") {
			cutoff = cfg.Server.PositionCutoff
		}

		srv, err := devgateway.New(devgateway.Options{
			AccessKey:       accessKey,
			MaxPeersPerRoom: serveMaxPeers,
			PositionCutoff:  cutoff,
			RateLimitRPS:    serveRateRPS,
			Logger:          log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, cfg.Server.Address)
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveMaxPeers, "max-peers", 0, "cap peers per room (0 = unlimited)")
	serveCmd.Flags().Float64Var(&serveRateRPS, "rate-limit", 0, "HTTP requests per second per client IP (0 = off)")
	serveCmd.Flags().Float64Var(&serveCutoff, "cutoff", 0, "media culling distance (default server.position_cutoff)")
	serveCmd.Flags().StringVar(&serveAccessKey, "access-key", "", "access key for token verification (default auth.access_key)")
	rootCmd.AddCommand(serveCmd)
}
