package artifacts

// ArtifactKind classifies the outputs of the build pipelines.
type ArtifactKind string

const (
	KernelArtifact    ArtifactKind = "kernel"          // standalone kernel extracted from the disk image
	InitramfsArtifact ArtifactKind = "initramfs"       // standalone initramfs extracted from the disk image
	DiskArtifact      ArtifactKind = "disk-image"      // bootable sandbox disk image
	ContainerTarball  ArtifactKind = "container-image" // serialized, compressed container image
	TextArtifact      ArtifactKind = "text"            // generic text artifacts (identifiers, manifests)
)

// Artifact is a record describing one published build output. Checksum is
// the content digest of the stored bytes in canonical algo:hex form and is
// always computed while storing, never supplied by the caller.
type Artifact struct {
	ID       string
	Kind     ArtifactKind
	Path     string
	Checksum string

	BuildID  string
	Metadata map[string]any
}

// Store persists build outputs and their metadata.
type Store interface {
	// Publish copies the file at path into the store under the given build
	// and returns the recorded artifact, checksum included.
	Publish(path string, kind ArtifactKind, buildID string, metadata map[string]any) (Artifact, error)

	// Verify recomputes the stored file's digest and compares it against
	// the recorded checksum.
	Verify(artifact Artifact) error

	// Remove deletes the artifact file and its metadata document.
	Remove(artifact Artifact) error

	// Clear removes every artifact in the store.
	Clear() error
}
