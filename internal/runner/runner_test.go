package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/kiln-project/kiln/internal/assemble"
	"github.com/kiln-project/kiln/internal/platform"
)

type fakeQemuImg struct {
	calls [][]string
	fail  bool
}

func (f *fakeQemuImg) Run(_ context.Context, _ string, name string, args ...string) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail {
		return os.ErrPermission
	}
	// qemu-img create writes the overlay; mirror that for the tests.
	return os.WriteFile(args[len(args)-1], []byte("overlay"), 0o644)
}

func (f *fakeQemuImg) Output(ctx context.Context, dir, name string, args ...string) (string, error) {
	return "", f.Run(ctx, dir, name, args...)
}

func testArtifact(t *testing.T) assemble.ImageArtifact {
	t.Helper()
	dir := t.TempDir()
	paths := map[string]string{
		"vmlinuz-virt":   "kernel",
		"initramfs-virt": "initramfs",
		"sandbox.iso":    "disk",
	}
	for name, content := range paths {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return assemble.ImageArtifact{
		KernelPath:    filepath.Join(dir, "vmlinuz-virt"),
		InitramfsPath: filepath.Join(dir, "initramfs-virt"),
		DiskPath:      filepath.Join(dir, "sandbox.iso"),
	}
}

func testDriver(t *testing.T, runner *fakeQemuImg) *LibvirtDriver {
	t.Helper()
	return &LibvirtDriver{
		ConnectionURI: "qemu:///system",
		BaseDir:       filepath.Join(t.TempDir(), "runs"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:        runner,
	}
}

func TestAcquirePreparesWorkspace(t *testing.T) {
	t.Parallel()

	qemuImg := &fakeQemuImg{}
	driver := testDriver(t, qemuImg)

	instance, err := driver.Acquire(context.Background(), InstanceSpec{
		Artifact:   testArtifact(t),
		Arch:       platform.X86_64,
		NamePrefix: "kiln",
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if instance.State != InstancePending {
		t.Fatalf("State = %q, want %q", instance.State, InstancePending)
	}
	if !strings.HasPrefix(instance.DomainName, "kiln-") {
		t.Fatalf("DomainName = %q, want kiln- prefix", instance.DomainName)
	}
	if instance.ChannelSocket != filepath.Join(instance.RunDir, ChannelSocketName) {
		t.Fatalf("ChannelSocket = %q, want it inside run dir", instance.ChannelSocket)
	}
	if _, err := os.Stat(instance.OverlayPath); err != nil {
		t.Fatalf("stat overlay: %v", err)
	}
	if len(qemuImg.calls) != 1 || qemuImg.calls[0][0] != "qemu-img" {
		t.Fatalf("qemu-img calls = %v, want one create invocation", qemuImg.calls)
	}

	domainXML, err := os.ReadFile(instance.DomainXMLPath)
	if err != nil {
		t.Fatalf("read domain xml: %v", err)
	}
	for _, want := range []string{
		"<name>" + instance.DomainName + "</name>",
		`<source file="` + instance.OverlayPath + `"/>`,
		`<source mode="bind" path="` + instance.ChannelSocket + `"/>`,
		"<kernel>",
		`<source network="kiln-isolated"/>`,
	} {
		if !strings.Contains(string(domainXML), want) {
			t.Fatalf("domain XML missing %q:\n%s", want, domainXML)
		}
	}
}

func TestAcquireSeedDiskCarriesDescriptor(t *testing.T) {
	t.Parallel()

	driver := testDriver(t, &fakeQemuImg{})

	instance, err := driver.Acquire(context.Background(), InstanceSpec{Artifact: testArtifact(t)})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	seedPath := filepath.Join(instance.RunDir, "seed.iso")
	f, err := os.Open(seedPath)
	if err != nil {
		t.Fatalf("open seed iso: %v", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("open seed image: %v", err)
	}
	root, err := image.RootDir()
	if err != nil {
		t.Fatalf("read seed root: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("list seed entries: %v", err)
	}

	var desc seedDescriptor
	found := false
	for _, child := range children {
		if !strings.HasPrefix(strings.ToLower(child.Name()), "instance.json") {
			continue
		}
		data, err := io.ReadAll(child.Reader())
		if err != nil {
			t.Fatalf("read descriptor: %v", err)
		}
		if err := json.Unmarshal(data, &desc); err != nil {
			t.Fatalf("decode descriptor: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatalf("seed disk has no instance descriptor")
	}
	if desc.InstanceID != instance.ID {
		t.Fatalf("descriptor instance = %q, want %q", desc.InstanceID, instance.ID)
	}
	if desc.Domain != instance.DomainName {
		t.Fatalf("descriptor domain = %q, want %q", desc.Domain, instance.DomainName)
	}
}

func TestAcquireOverlayFailureRemovesRunDir(t *testing.T) {
	t.Parallel()

	driver := testDriver(t, &fakeQemuImg{fail: true})

	_, err := driver.Acquire(context.Background(), InstanceSpec{Artifact: testArtifact(t)})
	if err == nil {
		t.Fatalf("Acquire() expected error")
	}

	entries, err := os.ReadDir(driver.BaseDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read base dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("run directory left behind after failed acquire: %v", entries)
	}
}

func TestAcquireRejectsMissingArtifact(t *testing.T) {
	t.Parallel()

	driver := testDriver(t, &fakeQemuImg{})

	if _, err := driver.Acquire(context.Background(), InstanceSpec{}); err == nil {
		t.Fatalf("Acquire() expected error for missing artifact")
	}

	artifact := testArtifact(t)
	artifact.KernelPath = ""
	if _, err := driver.Acquire(context.Background(), InstanceSpec{Artifact: artifact}); err == nil {
		t.Fatalf("Acquire() expected error for missing kernel")
	}
}

func TestReleaseRemovesRunDir(t *testing.T) {
	t.Parallel()

	driver := testDriver(t, &fakeQemuImg{})

	instance, err := driver.Acquire(context.Background(), InstanceSpec{Artifact: testArtifact(t)})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := driver.Release(instance, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(instance.RunDir); !os.IsNotExist(err) {
		t.Fatalf("run dir still present after release")
	}
}

func TestSeedVolumeLabel(t *testing.T) {
	t.Parallel()

	label := seedVolumeLabel("0f6a2-abc")
	if label != "SEED_0F6A2_ABC" {
		t.Fatalf("seedVolumeLabel() = %q", label)
	}
	if got := seedVolumeLabel(strings.Repeat("x", 64)); len(got) > 32 {
		t.Fatalf("label too long: %d", len(got))
	}
}
