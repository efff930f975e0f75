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

	"github.com/spf13/cobra"

	simerrors "github.com/simbridge-dev/simbridge/internal/errors"
	"github.com/simbridge-dev/simbridge/pkg/simtest"
)

type mockOptions struct {
	addr         string
	fixture      string
	brain        string
	simulators   []string
	finishAfter  int
	failPoint    int
	failDuration int
}

func mockserverCmd(g *globalFlags) *cobra.Command {
	opts := &mockOptions{}

	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Serve a fake brain for local development",
		Long: `Serve a fake brain that speaks the simulator protocol.

The user segment of the URL selects the behavior: alice trains
normally, flake fails inside the failure window, needsauth answers
401, stopped closes with 1001, eofstream and error_msg send garbage.

Examples:
  simbridge mockserver
  simbridge mockserver --addr :9000 --fixture cartpole
  simbridge mockserver --finish-after 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}

			var fixture *simtest.Fixture
			switch opts.fixture {
			case "center":
				fixture = simtest.FindTheCenter()
			case "cartpole":
				fixture = simtest.Cartpole()
			default:
				return simerrors.Newf(simerrors.CategoryCLI, "unknown fixture %q (want center or cartpole)", opts.fixture)
			}

			srv := simtest.NewServer(
				simtest.WithFixture(fixture),
				simtest.WithBrain(opts.brain),
				simtest.WithSimulators(opts.simulators...),
				simtest.WithFinishAfter(opts.finishAfter),
				simtest.WithFailure(opts.failPoint, opts.failDuration),
				simtest.WithLogger(logger),
			)
			httpSrv := &http.Server{
				Addr:              opts.addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				fmt.Println("\n\n  Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}()

			printBanner()
			success("Fake brain %q listening on %s", opts.brain, opts.addr)
			info("training:   ws://localhost%s/v1/%s/%s/sims/ws", opts.addr, simtest.UserTrain, opts.brain)
			info("prediction: ws://localhost%s/v1/%s/%s/latest/predictions/ws", opts.addr, simtest.UserTrain, opts.brain)
			fmt.Println()

			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "Listen address")
	f.StringVar(&opts.fixture, "fixture", "center", "Brain fixture (center or cartpole)")
	f.StringVar(&opts.brain, "brain", "center", "Brain name served")
	f.StringSliceVar(&opts.simulators, "simulators", []string{"find_the_center_sim", "cartpole_simulator"}, "Simulator names the brain accepts")
	f.IntVar(&opts.finishAfter, "finish-after", 0, "Finish the session after N episodes (0 never finishes)")
	f.IntVar(&opts.failPoint, "fail-point", 10, "Start of the failure window for the flaky user")
	f.IntVar(&opts.failDuration, "fail-duration", 8, "Length of the failure window for the flaky user")

	return cmd
}
