package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/benchmark"
	benchmarkorchestrator "github.com/Octogonapus/FMBenchOrchestrator/benchmark_orchestrator"
	"github.com/Octogonapus/FMBenchOrchestrator/config"
	instanceprovisioner "github.com/Octogonapus/FMBenchOrchestrator/instance_provisioner"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	resultsarchive "github.com/Octogonapus/FMBenchOrchestrator/results_archive"
	statusstore "github.com/Octogonapus/FMBenchOrchestrator/status_store"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
	workloadconfig "github.com/Octogonapus/FMBenchOrchestrator/workload_config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type loadFlags struct {
	configFile        string
	amiMappingFile    string
	fmbenchConfigFile string
	writeBucket       string
	fmbenchLatest     bool
	fmbenchRepo       string
}

func (f *loadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configFile, "config-file", "c", "", "Orchestrator config file (required)")
	cmd.Flags().StringVar(&f.amiMappingFile, "ami-mapping-file", "", "YAML file mapping region -> gpu|cpu|neuron -> AMI id")
	cmd.Flags().StringVar(&f.fmbenchConfigFile, "fmbench-config-file", "", "Value of {{config_file}} in the config file")
	cmd.Flags().StringVar(&f.writeBucket, "write-bucket", "", "Bucket FMBench writes its results to")
	cmd.Flags().BoolVar(&f.fmbenchLatest, "fmbench-latest", false, "Install FMBench from source instead of the released package")
	cmd.Flags().StringVar(&f.fmbenchRepo, "fmbench-repo", "", "Git repository to install FMBench from. Implies --fmbench-latest")
	_ = cmd.MarkFlagRequired("config-file")
}

// load reads .env, the AWS SDK config and the orchestrator config.
func (f *loadFlags) load(ctx context.Context, cmd *cobra.Command) (aws.Config, *config.Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithEC2IMDSRegion())
	if err != nil {
		return aws.Config{}, nil, &exitError{code: exitCouldNotRun, err: fmt.Errorf("load AWS config: %w", err)}
	}

	cfg, err := config.Load(f.configFile, &config.LoadOptions{
		AMIMappingPath: f.amiMappingFile,
		ConfigFile:     f.fmbenchConfigFile,
		WriteBucket:    f.writeBucket,
		DetectedRegion: awsCfg.Region,
	})
	if err != nil {
		return aws.Config{}, nil, &exitError{code: exitCouldNotRun, err: err}
	}
	if cmd.Flags().Changed("fmbench-latest") {
		cfg.FMBench.Latest = f.fmbenchLatest
	}
	if cmd.Flags().Changed("fmbench-repo") {
		cfg.FMBench.Repo = f.fmbenchRepo
	}
	return awsCfg, cfg, nil
}

func newValidateCmd() *cobra.Command {
	flags := &loadFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without deploying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := flags.load(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d instances\n", cfg.General.Name, len(cfg.Instances))
			for _, inst := range cfg.Instances {
				fmt.Fprintf(out, "  %s %s %s %d configs\n", inst.Name, inst.InstanceType, inst.Region, len(inst.FMBenchConfig))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	flags := &loadFlags{}
	var concurrency int
	var jitter time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deploy every instance in the config file and run its FMBench configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			awsCfg, cfg, err := flags.load(ctx, cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Orchestrator.Concurrency = concurrency
			}
			return runFleet(ctx, cmd.OutOrStdout(), awsCfg, cfg, jitter)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "How many instances are deployed concurrently. Unlimited by default.")
	cmd.Flags().DurationVar(&jitter, "start-jitter", 10*time.Second, "Offset each instance start by a random duration up to this value")
	return cmd
}

func runFleet(ctx context.Context, out io.Writer, awsCfg aws.Config, cfg *config.Config, jitter time.Duration) error {
	runID := uuid.NewString()
	resultsRoot := filepath.Join(cfg.Orchestrator.ResultsDir, cfg.General.Name)

	var recorder benchmark.Recorder
	var store *statusstore.Store
	if cfg.Orchestrator.StatusDB != "" {
		var err error
		store, err = statusstore.Open(cfg.Orchestrator.StatusDB)
		if err != nil {
			return &exitError{code: exitCouldNotRun, err: err}
		}
		defer store.Close()
		err = store.StartRun(ctx, runID, cfg.General.Name)
		if err != nil {
			return &exitError{code: exitCouldNotRun, err: err}
		}
		recorder = store.Recorder(runID)
	}

	orch := benchmarkorchestrator.NewFleetOrchestrator(&benchmarkorchestrator.FleetOrchestratorInput{
		Config: cfg,
		Provisioner: instanceprovisioner.NewEC2Provisioner(&instanceprovisioner.EC2ProvisionerInput{
			AwsConfig: awsCfg,
			Config:    cfg,
		}),
		Dialer: &target.SSHDialer{
			Timeout:        cfg.Orchestrator.SSHTimeout.Std(),
			KnownHostsPath: cfg.Orchestrator.KnownHosts,
			UseAgent:       cfg.Orchestrator.UseSSHAgent,
			AckWait:        cfg.Orchestrator.LaunchAckWait.Std(),
		},
		Resolver:    workloadconfig.NewResolver(awsCfg, cfg.Orchestrator.DownloadDir),
		Recorder:    recorder,
		Identity:    instanceprovisioner.NewIdentityResolver(awsCfg, cfg.RunSteps.CreateIAMRole),
		RunID:       runID,
		Concurrency: cfg.Orchestrator.Concurrency,
		ResultsRoot: resultsRoot,
		StartJitter: jitter,
	})
	rep, err := orch.Run(ctx, cfg.Instances)
	if err != nil {
		return &exitError{code: exitCouldNotRun, err: err}
	}

	reportPath := filepath.Join(resultsRoot, "report.json")
	err = rep.WriteJSON(reportPath)
	if err != nil {
		slog.Error("failed to write report", slog.String("path", reportPath), slog.String("error", err.Error()))
	} else {
		slog.Info("wrote report", slog.String("path", reportPath))
	}

	sum := rep.Summary()
	if store != nil {
		err = store.FinishRun(context.WithoutCancel(ctx), runID, sum.Succeeded, sum.Failed, sum.Skipped)
		if err != nil {
			slog.Error("failed to finish run in status store", slog.String("error", err.Error()))
		}
	}

	if cfg.Orchestrator.ResultsBucket != "" {
		archiveResults(context.WithoutCancel(ctx), awsCfg, cfg, resultsRoot)
	}

	printSummary(out, rep, sum)
	if sum.Failed > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d of %d instances failed", sum.Failed, sum.Total)}
	}
	return nil
}

// archiveResults copies the run's results tree to S3. Failures are logged only.
func archiveResults(ctx context.Context, awsCfg aws.Config, cfg *config.Config, resultsRoot string) {
	archive := resultsarchive.NewS3ResultsArchive(&resultsarchive.S3ResultsArchiveInput{
		AwsConfig: awsCfg,
		Bucket:    cfg.Orchestrator.ResultsBucket,
		Prefix:    path.Join(cfg.Orchestrator.ResultsPrefix, cfg.General.Name),
	})
	err := archive.SetUp(ctx)
	if err != nil {
		slog.Error("failed to set up results bucket", slog.String("bucket", archive.GetBucket()), slog.String("error", err.Error()))
		return
	}
	_, err = archive.Archive(ctx, resultsRoot)
	if err != nil {
		slog.Error("failed to archive results", slog.String("bucket", archive.GetBucket()), slog.String("error", err.Error()))
	}
}

func printSummary(out io.Writer, rep *report.FleetReport, sum *report.Summary) {
	fmt.Fprintf(out, "\nrun %s (%s)\n", rep.RunID, rep.Name)
	for _, name := range rep.Names() {
		res, _ := rep.Get(name)
		fmt.Fprintf(out, "  %-40s %s\n", name, res.Status)
		for _, sub := range res.SubResults {
			fmt.Fprintf(out, "    [%d] %-60s %s\n", sub.Index, sub.Config, sub.Status)
		}
	}
	fmt.Fprintf(out, "succeeded: %d, failed: %d, skipped: %d\n", sum.Succeeded, sum.Failed, sum.Skipped)
	for _, name := range rep.Names() {
		if failure, ok := sum.Failures[name]; ok {
			fmt.Fprintf(out, "  %s: %s\n", name, failure)
		}
	}
}
