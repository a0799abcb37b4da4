package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xfeldman/statebridge/internal/archive"
	"github.com/xfeldman/statebridge/internal/image"
	"github.com/xfeldman/statebridge/internal/registry"
	"github.com/xfeldman/statebridge/internal/sink"
)

// ExportKey is the bucket key a session's snapshot is exported under.
func ExportKey(id string) string {
	return "sessions/" + id + ".tar.gz"
}

// Export writes the newest snapshot of id to s under key, or ExportKey(id)
// when key is empty.
func (m *Manager) Export(ctx context.Context, id string, s *sink.BucketSink, key string) (*registry.Snapshot, error) {
	rec, err := m.db.GetLatestSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("export %s: load snapshot: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("export %s: no snapshot", id)
	}
	data, err := m.Archive(rec)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	if key == "" {
		key = ExportKey(id)
	}
	if err := s.Put(ctx, key, data, archive.MediaType); err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "snapshot": rec.ID, "key": key}).Info("session: exported")
	return rec, nil
}

// Import reads an archive from s and seeds id with it. An empty key means
// ExportKey(id).
func (m *Manager) Import(ctx context.Context, id string, s *sink.BucketSink, key string) (*registry.Snapshot, error) {
	if key == "" {
		key = ExportKey(id)
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", id, err)
	}
	snap, err := archive.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("import %s: decode %s: %w", id, key, err)
	}
	return m.Seed(id, snap)
}

// SeedImage pulls ref for platform ("os/arch") and seeds id with the
// files found below prefix in the image.
func (m *Manager) SeedImage(ctx context.Context, id, ref, platform, prefix string) (*registry.Snapshot, error) {
	p, err := image.ParsePlatform(platform)
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"session": id, "image": ref}).Info("image: resolving")
	res, err := image.Pull(ctx, ref, p)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", id, err)
	}
	snap, err := image.ToSnapshot(res.Image, prefix)
	if err != nil {
		return nil, fmt.Errorf("seed %s from %s: %w", id, res.Digest, err)
	}
	return m.Seed(id, snap)
}

// SeedImageFile seeds id from an image tarball on disk.
func (m *Manager) SeedImageFile(id, path, prefix string) (*registry.Snapshot, error) {
	img, err := image.LoadTarball(path)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", id, err)
	}
	snap, err := image.ToSnapshot(img, prefix)
	if err != nil {
		return nil, fmt.Errorf("seed %s from %s: %w", id, path, err)
	}
	return m.Seed(id, snap)
}

// ExportImage writes the newest snapshot of id as a single-layer image
// tarball at path, tagged with tag.
func (m *Manager) ExportImage(id, path, tag string) (*registry.Snapshot, error) {
	snap, rec, err := m.Latest(id)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("export %s: no snapshot", id)
	}
	img, err := image.Image(snap)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	if err := image.WriteTarball(path, tag, img); err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	return rec, nil
}
