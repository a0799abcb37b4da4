// Package image seeds snapshots from OCI images and exports snapshots as
// single-layer images.
package image

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// PullResult contains the pulled image and its digest.
type PullResult struct {
	Image  v1.Image
	Digest string // e.g. "sha256:abc123..."
}

// ParsePlatform parses "os/arch" or "os/arch/variant".
func ParsePlatform(s string) (v1.Platform, error) {
	p, err := v1.ParsePlatform(s)
	if err != nil {
		return v1.Platform{}, fmt.Errorf("parse platform %q: %w", s, err)
	}
	return *p, nil
}

// Pull resolves an image reference and returns the variant for platform.
func Pull(ctx context.Context, imageRef string, platform v1.Platform) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(platform))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	var img v1.Image

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		img, err = selectPlatform(idx, platform)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", imageRef, err)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("get image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("get image config: %w", err)
		}
		if cfg.OS != "" && (cfg.OS != platform.OS || cfg.Architecture != platform.Architecture) {
			return nil, fmt.Errorf("image %s is %s/%s, want %s/%s", imageRef, cfg.OS, cfg.Architecture, platform.OS, platform.Architecture)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}

	return &PullResult{
		Image:  img,
		Digest: digest.String(),
	}, nil
}

func selectPlatform(idx v1.ImageIndex, platform v1.Platform) (v1.Image, error) {
	indexManifest, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("get index manifest: %w", err)
	}
	for _, m := range indexManifest.Manifests {
		if m.Platform != nil && m.Platform.OS == platform.OS && m.Platform.Architecture == platform.Architecture {
			img, err := idx.Image(m.Digest)
			if err != nil {
				return nil, fmt.Errorf("get %s/%s image: %w", platform.OS, platform.Architecture, err)
			}
			return img, nil
		}
	}
	return nil, fmt.Errorf("no %s/%s variant found", platform.OS, platform.Architecture)
}
