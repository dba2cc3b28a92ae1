// Package runner starts one disposable sandbox VM from a built image
// artifact and tears it down after a single conversion.
//
// A sandbox instance boots directly from the extracted kernel/initramfs
// with the bootable image attached read-only behind a qcow2 overlay, and
// exposes a virtio-serial channel as the boundary transport. Instances are
// never reused: one conversion, then Release.
package runner

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-project/kiln/internal/assemble"
	"github.com/kiln-project/kiln/internal/command"
	"github.com/kiln-project/kiln/internal/platform"
)

// ChannelSocketName is the file name of the virtio-serial host socket
// inside an instance's run directory.
const ChannelSocketName = "channel.sock"

// InstanceState tracks the sandbox lifecycle.
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceRunning  InstanceState = "running"
	InstanceReleased InstanceState = "released"
)

// InstanceSpec describes one sandbox instance to start.
type InstanceSpec struct {
	Artifact assemble.ImageArtifact

	Arch          platform.Architecture
	RAMMB         int
	VCPUs         int
	NetworkName   string
	NamePrefix    string
	KernelCmdline string
}

// Instance is one prepared (and possibly running) sandbox.
type Instance struct {
	ID         string
	DomainName string
	State      InstanceState
	StartedAt  time.Time

	RunDir        string
	ChannelSocket string
	DomainXMLPath string
	OverlayPath   string
}

// Driver is the sandbox lifecycle contract. Acquire prepares the per
// instance workspace without touching the hypervisor; Start boots the
// domain; Release destroys it and removes every trace of the run.
type Driver interface {
	Acquire(ctx context.Context, spec InstanceSpec) (Instance, error)
	Start(instance Instance) (Instance, error)
	Release(instance Instance, force bool) error
}

//go:embed domain.xml
var domainTemplate string

// LibvirtDriver runs sandbox instances as transient libvirt domains.
type LibvirtDriver struct {
	ConnectionURI string
	BaseDir       string
	Logger        *slog.Logger
	Runner        command.Runner
}

var _ Driver = (*LibvirtDriver)(nil)

// Acquire prepares the run directory for a fresh instance: qcow2 overlay
// over the base image, seed ISO with the instance descriptor, and the
// rendered domain definition.
func (d *LibvirtDriver) Acquire(ctx context.Context, spec InstanceSpec) (Instance, error) {
	if d.BaseDir == "" {
		return Instance{}, errors.New("runner base directory is not configured")
	}
	if spec.Artifact.DiskPath == "" {
		return Instance{}, errors.New("sandbox image artifact is required")
	}

	runner := d.Runner
	if runner == nil {
		runner = &command.ExecRunner{Logger: d.Logger}
	}

	instanceID := uuid.NewString()
	domainName := instanceID
	if prefix := strings.TrimSpace(spec.NamePrefix); prefix != "" {
		domainName = prefix + "-" + instanceID
	}

	runDir, err := filepath.Abs(filepath.Join(d.BaseDir, instanceID))
	if err != nil {
		return Instance{}, fmt.Errorf("resolve run directory: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Instance{}, fmt.Errorf("create run directory: %w", err)
	}

	logger := d.logger().With("instance", instanceID, "domain", domainName, "run_dir", runDir)
	logger.Info("preparing sandbox instance")

	cleanup := func() { os.RemoveAll(runDir) }

	overlayPath := filepath.Join(runDir, "disk-overlay.qcow2")
	if err := createDiskOverlay(ctx, runner, spec.Artifact.DiskPath, overlayPath); err != nil {
		cleanup()
		return Instance{}, fmt.Errorf("prepare overlay disk: %w", err)
	}

	channelSocket := filepath.Join(runDir, ChannelSocketName)

	seedPath := filepath.Join(runDir, "seed.iso")
	if err := writeSeedISO(seedPath, seedDescriptor{
		InstanceID: instanceID,
		Domain:     domainName,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		cleanup()
		return Instance{}, fmt.Errorf("create seed disk: %w", err)
	}

	data, err := buildDomainData(domainName, spec, overlayPath, seedPath, channelSocket)
	if err != nil {
		cleanup()
		return Instance{}, err
	}

	domainXML, err := renderDomainXML(domainTemplate, data)
	if err != nil {
		cleanup()
		return Instance{}, fmt.Errorf("render domain definition: %w", err)
	}

	domainXMLPath := filepath.Join(runDir, "domain.xml")
	if err := os.WriteFile(domainXMLPath, domainXML, 0o644); err != nil {
		cleanup()
		return Instance{}, fmt.Errorf("write domain definition: %w", err)
	}

	logger.Info("sandbox instance prepared")
	return Instance{
		ID:            instanceID,
		DomainName:    domainName,
		State:         InstancePending,
		RunDir:        runDir,
		ChannelSocket: channelSocket,
		DomainXMLPath: domainXMLPath,
		OverlayPath:   overlayPath,
	}, nil
}

func (d *LibvirtDriver) logger() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// createDiskOverlay lets the instance write to a throwaway qcow2 layer
// while the base artifact stays read-only.
func createDiskOverlay(ctx context.Context, runner command.Runner, basePath, overlayPath string) error {
	baseAbs, err := filepath.Abs(basePath)
	if err != nil {
		return fmt.Errorf("resolve base image path: %w", err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return fmt.Errorf("stat base image: %w", err)
	}

	return runner.Run(ctx, "", "qemu-img",
		"create", "-f", "qcow2", "-b", baseAbs, "-F", "raw", overlayPath)
}

type domainData struct {
	Name          string
	RAMMB         int
	VCPUs         int
	Arch          string
	KernelPath    string
	InitrdPath    string
	KernelCmdline string
	OverlayPath   string
	SeedPath      string
	ChannelSocket string
	NetworkName   string
}

func buildDomainData(name string, spec InstanceSpec, overlayPath, seedPath, channelSocket string) (domainData, error) {
	if spec.Artifact.KernelPath == "" || spec.Artifact.InitramfsPath == "" {
		return domainData{}, errors.New("artifact is missing kernel or initramfs")
	}

	arch := spec.Arch
	if arch == "" {
		arch = platform.Host()
	}
	if !arch.IsValid() {
		return domainData{}, fmt.Errorf("invalid instance architecture %q", spec.Arch)
	}

	ram := spec.RAMMB
	if ram == 0 {
		ram = 2048
	}
	vcpus := spec.VCPUs
	if vcpus == 0 {
		vcpus = 2
	}

	cmdline := spec.KernelCmdline
	if cmdline == "" {
		cmdline = "console=ttyS0 modules=loop,squashfs,sd-mod quiet"
	}

	network := spec.NetworkName
	if network == "" {
		network = "kiln-isolated"
	}

	return domainData{
		Name:          name,
		RAMMB:         ram,
		VCPUs:         vcpus,
		Arch:          arch.String(),
		KernelPath:    spec.Artifact.KernelPath,
		InitrdPath:    spec.Artifact.InitramfsPath,
		KernelCmdline: cmdline,
		OverlayPath:   overlayPath,
		SeedPath:      seedPath,
		ChannelSocket: channelSocket,
		NetworkName:   network,
	}, nil
}

func renderDomainXML(templateSrc string, data domainData) ([]byte, error) {
	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return []byte(buf.String()), nil
}

type seedDescriptor struct {
	InstanceID string    `json:"instance_id"`
	Domain     string    `json:"domain"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s seedDescriptor) marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
