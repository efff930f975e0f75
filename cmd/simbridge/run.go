package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/simbridge-dev/simbridge/pkg/config"
	"github.com/simbridge-dev/simbridge/pkg/engine"
	"github.com/simbridge-dev/simbridge/pkg/metrics"
	"github.com/simbridge-dev/simbridge/pkg/predictor"
	"github.com/simbridge-dev/simbridge/pkg/recorder"
)

type runOptions struct {
	url          string
	username     string
	brain        string
	accessKey    string
	simulator    string
	predict      string
	record       string
	recordBucket string
	recordRegion string
	retryTimeout time.Duration
	metricsAddr  string
	maxEpisodes  int
	seed         uint64
}

func runCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the find-the-center sample simulator",
		Long: `Run the find-the-center sample simulator against a brain.

Connection settings come from the profile file and SIMBRIDGE_*
environment variables; flags override both.

Examples:
  simbridge run --url http://localhost:8080 --username alice --brain center --access-key key
  simbridge run --predict latest
  simbridge run --record run.csv --record-bucket my-bucket
  simbridge run --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger()
			if err != nil {
				return err
			}
			cfg, err := config.Load(g.configPath, g.profile)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, cfg, opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "Brain service URL")
	f.StringVar(&opts.username, "username", "", "Brain owner")
	f.StringVar(&opts.brain, "brain", "", "Brain name")
	f.StringVar(&opts.accessKey, "access-key", "", "Access key")
	f.StringVar(&opts.simulator, "simulator", "find_the_center_sim", "Simulator name to register")
	f.StringVar(&opts.predict, "predict", "", "Run predictions against brain VERSION (number or latest)")
	f.StringVar(&opts.record, "record", "", "Record every step to FILE (.csv or .json)")
	f.StringVar(&opts.recordBucket, "record-bucket", "", "Upload the record file to this S3 bucket on exit")
	f.StringVar(&opts.recordRegion, "record-region", "us-east-1", "Region of the record bucket")
	f.DurationVar(&opts.retryTimeout, "retry-timeout", config.DefaultRetryTimeout, "Reconnect budget (0 fails at once, negative retries forever)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.IntVar(&opts.maxEpisodes, "max-episodes", 0, "Stop after this many episodes (0 runs until the brain finishes)")
	f.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "Random seed for the simulator")

	return cmd
}

// apply overlays the flags the user set on cfg.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	set := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	set("url", &cfg.URL, o.url)
	set("username", &cfg.Username, o.username)
	set("brain", &cfg.Brain, o.brain)
	set("access-key", &cfg.AccessKey, o.accessKey)
	set("record", &cfg.RecordFile, o.record)
	set("record-bucket", &cfg.RecordBucket, o.recordBucket)
	if changed("simulator") || cfg.SimulatorName == "" {
		cfg.SimulatorName = o.simulator
	}
	if changed("predict") {
		cfg.Predict = true
		cfg.PredictionVersion = o.predict
	}
	if changed("retry-timeout") {
		cfg.RetryTimeout = o.retryTimeout
	}
}

func runSimulator(ctx context.Context, cfg *config.Config, opts *runOptions, logger *slog.Logger) error {
	engOpts := []engine.Option{engine.WithLogger(logger)}

	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr, logger)
		defer stopMetrics()
		engOpts = append(engOpts, engine.WithMetrics(metrics.New()))
	}
	if cfg.RecordBucket != "" {
		client := s3.New(s3.Options{
			Region:      opts.recordRegion,
			Credentials: aws.NewCredentialsCache(envCredentials()),
		})
		prefix := path.Join(cfg.Username, cfg.Brain)
		engOpts = append(engOpts, engine.WithRecordUploader(recorder.NewS3Uploader(client, cfg.RecordBucket, prefix)))
	}

	sim := newCenterSim(opts.seed)

	printBanner()
	info("%s", cfg)
	fmt.Println()

	var err error
	if cfg.Predict {
		err = predict(ctx, cfg, sim, engOpts)
	} else {
		err = train(ctx, cfg, sim, opts.maxEpisodes, engOpts)
	}
	if errors.Is(err, context.Canceled) {
		info("Interrupted")
		return nil
	}
	return err
}

func train(ctx context.Context, cfg *config.Config, sim *centerSim, maxEpisodes int, opts []engine.Option) (err error) {
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, eng.Close())
	}()

	for {
		more, err := eng.Run(ctx, sim)
		if err != nil {
			return err
		}
		if !more {
			success("Brain finished training after %d episodes", eng.EpisodeCount())
			return nil
		}
		if maxEpisodes > 0 && eng.EpisodeCount() >= maxEpisodes {
			success("Stopped after %d episodes", eng.EpisodeCount())
			return nil
		}
	}
}

func predict(ctx context.Context, cfg *config.Config, sim *centerSim, opts []engine.Option) (err error) {
	p, err := predictor.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, p.Close())
	}()

	state, _ := sim.EpisodeStart(nil)
	steps := 0
	for {
		action, err := p.GetAction(ctx, state)
		if errors.Is(err, predictor.ErrFinished) {
			success("Brain finished after %d predictions", steps)
			return nil
		}
		if err != nil {
			return err
		}
		steps++

		next, _, terminal, err := sim.Simulate(action)
		if err != nil {
			return err
		}
		if terminal {
			next, _ = sim.EpisodeStart(nil)
		}
		state = next
	}
}

// serveMetrics exposes the default Prometheus registry and returns a
// function that shuts the server down.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// envCredentials reads static AWS credentials from the standard
// environment variables.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set to upload records")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}
