package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-project/kiln/internal/artifacts"
	"github.com/kiln-project/kiln/internal/assemble"
	"github.com/kiln-project/kiln/internal/bundle"
	"github.com/kiln-project/kiln/internal/config"
	"github.com/kiln-project/kiln/internal/container"
	"github.com/kiln-project/kiln/internal/dispatch"
	"github.com/kiln-project/kiln/internal/invoker"
	"github.com/kiln-project/kiln/internal/logging"
	"github.com/kiln-project/kiln/internal/netsetup"
	"github.com/kiln-project/kiln/internal/platform"
	"github.com/kiln-project/kiln/internal/protocol"
	"github.com/kiln-project/kiln/internal/runner"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	configPath := ""

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Build sandbox images and run document conversions in disposable sandboxes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the host configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	loadConfig := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newAssembleCommand(logger, loadConfig),
		newContainerCommand(logger, loadConfig),
		newConvertCommand(logger, loadConfig),
		newProfilesCommand(logger),
		newSetupCommand(logger, loadConfig),
	)
	return root
}

type configLoader func() (config.Config, error)

func newAssembleCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	var (
		profileFile string
		sourceDir   string
		sourceURL   string
		sourceRef   string
		outputDir   string
		publish     bool
	)

	cmd := &cobra.Command{
		Use:   "assemble [profile-name]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Run the sandbox image pipeline for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			profile, err := resolveProfile(args, profileFile)
			if err != nil {
				return err
			}

			if outputDir == "" {
				outputDir = filepath.Join(cfg.ImageDir(), profile.Name)
			}

			cmdLogger := logger.With("command", "assemble", "profile", profile.Name)
			cmdLogger.Info("starting image pipeline", "source_dir", sourceDir, "output_dir", outputDir)

			assembler := &assemble.Assembler{Logger: cmdLogger}
			artifact, err := assembler.Run(cmd.Context(), profile, assemble.Options{
				SourceDir:   sourceDir,
				SourceURL:   sourceURL,
				SourceRef:   sourceRef,
				OutputDir:   outputDir,
				OverlayBase: cfg.StateDir,
			})
			if err != nil {
				cmdLogger.Error("image pipeline failed", "error", err)
				return err
			}

			if publish {
				store := &artifacts.LocalStore{BaseDir: cfg.ArtifactDir()}
				if err := publishImageArtifact(store, artifact); err != nil {
					cmdLogger.Error("publishing artifacts failed", "error", err)
					return err
				}
			}

			cmdLogger.Info("image pipeline completed",
				"build_id", artifact.BuildID,
				"kernel", artifact.KernelPath,
				"initramfs", artifact.InitramfsPath,
				"disk", artifact.DiskPath,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&profileFile, "profile-file", "", "YAML profile file; overrides the named embedded profile")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "Checkout of the base distribution build sources")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "Repository cloned into --source-dir when the checkout is missing")
	cmd.Flags().StringVar(&sourceRef, "source-ref", "", "Branch or tag checked out when cloning")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory receiving kernel, initramfs and disk image")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the artifacts into the local artifact store")
	_ = cmd.MarkFlagRequired("source-dir")

	return cmd
}

func resolveProfile(args []string, profileFile string) (assemble.Profile, error) {
	if profileFile != "" {
		return assemble.LoadProfile(profileFile)
	}
	name := ""
	if len(args) > 0 {
		name = strings.TrimSpace(args[0])
	}
	if name == "" {
		return assemble.Profile{}, fmt.Errorf("either a profile name or --profile-file is required")
	}
	return assemble.DefaultProfile(name)
}

func publishImageArtifact(store artifacts.Store, artifact assemble.ImageArtifact) error {
	kinds := []struct {
		path string
		kind artifacts.ArtifactKind
	}{
		{artifact.KernelPath, artifacts.KernelArtifact},
		{artifact.InitramfsPath, artifacts.InitramfsArtifact},
		{artifact.DiskPath, artifacts.DiskArtifact},
	}
	metadata := map[string]any{"profile": artifact.Profile}
	for _, entry := range kinds {
		if _, err := store.Publish(entry.path, entry.kind, artifact.BuildID, metadata); err != nil {
			return fmt.Errorf("publish %s: %w", entry.kind, err)
		}
	}
	return nil
}

func newContainerCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Build and verify the container sandbox image",
	}

	cmd.AddCommand(
		newContainerBuildCommand(logger, loadConfig),
		newContainerVerifyCommand(logger, loadConfig),
	)
	return cmd
}

func newContainerBuildCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	var (
		tag       string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "build <context-dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the container image and record its content-derived identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = cfg.ArtifactDir()
			}

			cmdLogger := logger.With("command", "container.build", "tag", tag)
			builder := &container.Builder{Logger: cmdLogger, Runtime: cfg.Runtime}

			artifact, err := builder.Build(cmd.Context(), container.BuildOptions{
				ContextDir: args[0],
				Tag:        tag,
				OutputDir:  outputDir,
			})
			if err != nil {
				cmdLogger.Error("container build failed", "error", err)
				return err
			}

			cmdLogger.Info("container build completed", "digest", artifact.Digest, "tarball", artifact.TarballPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "kiln-agent:latest", "Image tag inside the container runtime")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory receiving the tarball and identity file")

	return cmd
}

func newContainerVerifyCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	var (
		tarball  string
		identity string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the tarball digest and compare it to the recorded identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tarball == "" {
				tarball = filepath.Join(cfg.ArtifactDir(), container.TarballName)
			}
			if identity == "" {
				identity = filepath.Join(cfg.ArtifactDir(), container.IdentityName)
			}

			cmdLogger := logger.With("command", "container.verify")
			if err := container.Verify(tarball, identity); err != nil {
				cmdLogger.Error("verification failed", "error", err)
				return err
			}

			cmdLogger.Info("container image verified", "tarball", tarball)
			return nil
		},
	}

	cmd.Flags().StringVar(&tarball, "tarball", "", "Path to the image tarball")
	cmd.Flags().StringVar(&identity, "identity", "", "Path to the recorded identity file")

	return cmd
}

func newConvertCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	var (
		bundleDir   string
		backend     string
		tag         string
		tarball     string
		identity    string
		imageDir    string
		profileName string
		arch        string
		dialTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "convert <document>",
		Args:  cobra.ExactArgs(1),
		Short: "Convert a document inside a disposable sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			docPath, err := filepath.Abs(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("resolve document path: %w", err)
			}
			if info, err := os.Stat(docPath); err != nil {
				return fmt.Errorf("stat document: %w", err)
			} else if info.IsDir() {
				return fmt.Errorf("document path %s is a directory; provide a file", docPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "convert", "document", filepath.Base(docPath), "backend", backend)

			payload, err := bundle.PackWithDocument(bundleDir, docPath)
			if err != nil {
				return fmt.Errorf("pack conversion bundle: %w", err)
			}
			cmdLogger.Info("packed conversion bundle", "bundle_bytes", len(payload))

			sandbox, err := buildSandbox(backend, sandboxParams{
				cfg:         cfg,
				tag:         tag,
				tarball:     tarball,
				identity:    identity,
				imageDir:    imageDir,
				profileName: profileName,
				arch:        arch,
				dialTimeout: dialTimeout,
				logger:      cmdLogger,
			})
			if err != nil {
				return err
			}

			dispatcher := &dispatch.Dispatcher{Logger: cmdLogger}
			status, err := dispatcher.Run(cmd.Context(), sandbox, payload)
			if err != nil {
				var truncated *protocol.TruncatedTransferError
				if errors.As(err, &truncated) {
					cmdLogger.Error("bundle transfer was truncated; the sandbox discarded the partial bundle")
					return err
				}
				var conv *invoker.ConversionError
				if errors.As(err, &conv) {
					cmdLogger.Error("conversion failed inside the sandbox", "status", conv.Status)
					return err
				}
				return err
			}

			cmdLogger.Info("conversion completed", "status", status)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "Directory tree with the conversion code (bin/entrypoint inside)")
	cmd.Flags().StringVar(&backend, "backend", "container", "Sandbox backend: container or vm")
	cmd.Flags().StringVar(&tag, "tag", "kiln-agent:latest", "Container image tag (container backend)")
	cmd.Flags().StringVar(&tarball, "tarball", "", "Container image tarball to verify before start (container backend)")
	cmd.Flags().StringVar(&identity, "identity", "", "Recorded identity file (container backend)")
	cmd.Flags().StringVar(&imageDir, "image-dir", "", "Directory with the assembled VM image (vm backend)")
	cmd.Flags().StringVar(&profileName, "profile", "kiln", "Image profile used to locate kernel and disk names (vm backend)")
	cmd.Flags().StringVar(&arch, "arch", "", "Instance architecture override (vm backend)")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 30*time.Second, "How long to wait for the sandbox channel (vm backend)")
	_ = cmd.MarkFlagRequired("bundle-dir")

	return cmd
}

type sandboxParams struct {
	cfg         config.Config
	tag         string
	tarball     string
	identity    string
	imageDir    string
	profileName string
	arch        string
	dialTimeout time.Duration
	logger      *slog.Logger
}

func buildSandbox(backend string, params sandboxParams) (dispatch.Sandbox, error) {
	switch backend {
	case "container":
		tarball := params.tarball
		identity := params.identity
		if tarball == "" {
			tarball = filepath.Join(params.cfg.ArtifactDir(), container.TarballName)
		}
		if identity == "" {
			identity = filepath.Join(params.cfg.ArtifactDir(), container.IdentityName)
		}
		return dispatch.ContainerSandbox(params.cfg.Runtime, container.Artifact{
			TarballPath:  tarball,
			IdentityPath: identity,
			Tag:          params.tag,
		}, params.logger)

	case "vm":
		profile, err := assemble.DefaultProfile(params.profileName)
		if err != nil {
			return nil, err
		}
		imageDir := params.imageDir
		if imageDir == "" {
			imageDir = filepath.Join(params.cfg.ImageDir(), profile.Name)
		}

		if err := netsetup.Verify(params.cfg.Network); err != nil {
			return nil, fmt.Errorf("sandbox network not ready: %w", err)
		}

		spec := runner.InstanceSpec{
			Artifact: assemble.ImageArtifact{
				Profile:       profile.Name,
				KernelPath:    filepath.Join(imageDir, profile.KernelName()),
				InitramfsPath: filepath.Join(imageDir, profile.InitramfsName()),
				DiskPath:      filepath.Join(imageDir, profile.ImageName()),
			},
			NetworkName: params.cfg.Network.BridgeName,
			NamePrefix:  "kiln",
		}
		if params.arch != "" {
			parsed, err := platform.Parse(params.arch)
			if err != nil {
				return nil, err
			}
			spec.Arch = parsed
		}

		return &dispatch.VMSandbox{
			Driver: &runner.LibvirtDriver{
				ConnectionURI: params.cfg.ConnectionURI,
				BaseDir:       params.cfg.RunDir(),
				Logger:        params.logger,
			},
			Spec:        spec,
			DialTimeout: params.dialTimeout,
			Logger:      params.logger,
		}, nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", backend)
	}
}

func newProfilesCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the embedded image profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := assemble.DefaultProfiles()
			if err != nil {
				return err
			}
			for _, profile := range profiles {
				fmt.Printf("%s\t%s\t%s\n", profile.Name, profile.Release, profile.Arch)
			}
			logger.Info("listed profiles", "count", len(profiles))
			return nil
		},
	}
}

func newSetupCommand(logger *slog.Logger, loadConfig configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare or remove the host-side sandbox network",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "network",
			Short: "Create the isolated sandbox bridge and diagnostics namespace",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cmdLogger := logger.With("command", "setup.network")
				if err := netsetup.Setup(cfg.Network, cmdLogger); err != nil {
					return err
				}
				return netsetup.SetupNamespace(cfg.Network, cfg.Namespace, cmdLogger)
			},
		},
		&cobra.Command{
			Use:   "teardown",
			Short: "Remove the sandbox bridge and diagnostics namespace",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cmdLogger := logger.With("command", "setup.teardown")
				if err := netsetup.TeardownNamespace(cfg.Namespace, cmdLogger); err != nil {
					return err
				}
				return netsetup.Teardown(cfg.Network, cmdLogger)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check that the sandbox network is ready",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := netsetup.Verify(cfg.Network); err != nil {
					logger.Error("sandbox network verification failed", "error", err)
					return err
				}
				logger.Info("sandbox network is ready")
				return nil
			},
		},
	)
	return cmd
}
