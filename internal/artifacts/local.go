package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// LocalStore persists artifacts and metadata on disk under BaseDir. Each
// artifact is stored under a fresh UUID with its original extension, next
// to a <name>.json metadata document.
type LocalStore struct {
	BaseDir string
}

var _ Store = (*LocalStore)(nil)

// Publish copies the file into the store, computing its digest on the way.
func (store *LocalStore) Publish(path string, kind ArtifactKind, buildID string, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if path == "" {
		return Artifact{}, errors.New("artifact path is required")
	}

	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	src, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	artifactID := uuid.NewString()
	destName := artifactID
	if ext := filepath.Ext(path); ext != "" {
		destName += ext
	}
	destPath := filepath.Join(store.BaseDir, destName)

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(io.MultiWriter(dst, digester.Hash()), src); err != nil {
		dst.Close()
		return Artifact{}, err
	}
	if err := dst.Close(); err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:       artifactID,
		Kind:     kind,
		Path:     destPath,
		Checksum: digester.Digest().String(),
		BuildID:  buildID,
		Metadata: cloneMetadata(metadata),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// Verify recomputes the digest of the stored file and compares it against
// the recorded checksum.
func (store *LocalStore) Verify(artifact Artifact) error {
	recorded, err := digest.Parse(artifact.Checksum)
	if err != nil {
		return fmt.Errorf("parse recorded checksum: %w", err)
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	actual, err := recorded.Algorithm().FromReader(file)
	if err != nil {
		return fmt.Errorf("digest %s: %w", artifact.Path, err)
	}
	if actual != recorded {
		return fmt.Errorf("artifact %s checksum mismatch: recorded %s, actual %s", artifact.ID, recorded, actual)
	}
	return nil
}

// Remove deletes the artifact file and its metadata document.
func (store *LocalStore) Remove(artifact Artifact) error {
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(artifact.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *LocalStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".json"
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
