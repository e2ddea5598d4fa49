package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/cluster"
	"github.com/splax/skiff/internal/deploy"
	"github.com/splax/skiff/internal/docker"
	"github.com/splax/skiff/internal/inspect"
	"github.com/splax/skiff/internal/manifest"
	"github.com/splax/skiff/internal/telemetry"
)

func newDeployCommand(shared *app) *cobra.Command {
	var (
		prod       bool
		port       int
		autoscale  bool
		minRPL     int32
		maxRPL     int32
		cpuPct     int32
		memPct     int32
		healthPath string
		appType    string
		cleanup    bool
		interval   time.Duration
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy [path]",
		Short: "Build and deploy the project in path (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}

			mode := build.ModeDev
			if prod {
				mode = build.ModeProd
			}
			spec := manifest.DefaultSpec(mode)
			if namespace != "" {
				spec.Namespace = namespace
			}
			spec.Port = port
			spec.ReplicaMin = minRPL
			spec.ReplicaMax = maxRPL
			spec.Autoscale = autoscale
			spec.CPUThresholdPct = cpuPct
			spec.MemThresholdPct = memPct
			spec.CleanupOnFailure = cleanup
			spec.HealthPath = healthPath
			if spec.HealthPath == "" {
				spec.HealthPath = shared.cfg.HealthPath
			}

			var override inspect.FrameworkKind
			if appType != "" {
				override, err = inspect.ParseFrameworkKind(appType)
				if err != nil {
					return err
				}
			}

			if !cmd.Flags().Changed("interval") {
				interval = shared.cfg.WatchInterval
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = shared.cfg.RolloutTimeout
			}

			dockerClient, err := docker.New(shared.cfg.DockerHost)
			if err != nil {
				return fmt.Errorf("connect to docker: %w", err)
			}
			defer dockerClient.Close()
			if err := dockerClient.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("docker daemon unreachable: %w", err)
			}

			controller, err := cluster.NewFromKubeconfig(interval, shared.logger)
			if err != nil {
				return err
			}

			recorder := telemetry.NewRecorder()
			if shared.cfg.MetricsAddr != "" {
				go func() {
					if err := telemetry.Serve(cmd.Context(), shared.cfg.MetricsAddr, shared.logger); err != nil {
						shared.logger.Warn("metrics listener stopped", "error", err)
					}
				}()
			}

			builder := build.New(dockerClient, shared.cfg.Registry, shared.logger)
			manager := deploy.New(builder, controller, deploy.NewLockRegistry(), recorder, timeout, shared.logger)

			outcome, err := manager.Deploy(cmd.Context(), root, spec, override)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deployed %s (%s, %s mode)\n", outcome.Profile.AppName(), outcome.Profile.Framework, mode)
			fmt.Fprintf(out, "  image:     %s", outcome.Image.Ref.String())
			if outcome.Image.Reused {
				fmt.Fprint(out, " (reused)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  namespace: %s\n", spec.Namespace)
			fmt.Fprintf(out, "  deploy id: %s\n", outcome.DeployID)
			fmt.Fprintf(out, "  replicas:  %d/%d ready\n", outcome.Status.ReadyReplicas, outcome.Status.DesiredReplicas)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prod, "prod", false, "build and deploy in production mode")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "container port override (default: port detected from the project)")
	cmd.Flags().BoolVar(&autoscale, "rpl", false, "attach a horizontal pod autoscaler")
	cmd.Flags().Int32Var(&minRPL, "min-rpl", 1, "replica count (autoscale minimum)")
	cmd.Flags().Int32Var(&maxRPL, "max-rpl", manifest.MaxReplicaCeiling, "autoscale replica ceiling")
	cmd.Flags().Int32Var(&cpuPct, "cpu", 70, "autoscale CPU utilization target percent")
	cmd.Flags().Int32Var(&memPct, "mem", 80, "autoscale memory utilization target percent")
	cmd.Flags().StringVar(&healthPath, "health-path", "", "probe path override")
	cmd.Flags().StringVar(&appType, "app", "", "framework override (skip detection)")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove a previous deployment first and delete resources when the deploy fails")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "rollout poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "rollout watch timeout")

	return cmd
}
