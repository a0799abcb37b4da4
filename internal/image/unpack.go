package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/xfeldman/statebridge/internal/archive"
	"github.com/xfeldman/statebridge/internal/snapshot"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// ToSnapshot flattens the layers of img into a snapshot. Only entries below
// prefix are kept, keyed relative to it; an empty prefix keeps everything.
// Layers are applied in order and OCI whiteouts remove earlier entries.
func ToSnapshot(img v1.Image, prefix string) (snapshot.Snapshot, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	snap := snapshot.Snapshot{}
	for i, layer := range layers {
		if err := applyLayer(snap, layer); err != nil {
			return nil, fmt.Errorf("unpack layer %d: %w", i, err)
		}
	}
	return compact(filterPrefix(snap, prefix)), nil
}

// layerReader opens the layer's tar stream. klauspost decoders are used
// instead of layer.Uncompressed(), which goes through compress/gzip.
func layerReader(layer v1.Layer) (io.ReadCloser, error) {
	mt, err := layer.MediaType()
	if err != nil {
		return nil, fmt.Errorf("get media type: %w", err)
	}

	switch mt {
	case types.OCIUncompressedLayer, types.OCIUncompressedRestrictedLayer:
		return layer.Uncompressed()
	case types.OCILayerZStd:
		rc, err := layer.Compressed()
		if err != nil {
			return nil, fmt.Errorf("get compressed layer: %w", err)
		}
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &readCloser{Reader: zr, close: func() error { zr.Close(); return rc.Close() }}, nil
	default:
		rc, err := layer.Compressed()
		if err != nil {
			return nil, fmt.Errorf("get compressed layer: %w", err)
		}
		gz, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return &readCloser{Reader: gz, close: func() error { gz.Close(); return rc.Close() }}, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

func applyLayer(snap snapshot.Snapshot, layer v1.Layer) error {
	rc, err := layerReader(layer)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := strings.TrimSuffix(archive.Key(hdr.Name), "/")
		if name == "" || snapshot.ValidateKey(name) != nil {
			continue // skip path traversal
		}

		dir, base := path.Split(name)
		if base == opaqueWhiteout {
			removeTree(snap, dir, false)
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			removeTree(snap, dir+strings.TrimPrefix(base, whiteoutPrefix), true)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			delete(snap, name)
			snap[name+"/"] = nil
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			removeTree(snap, name, true)
			snap[name] = data
		case tar.TypeLink:
			target := archive.Key(hdr.Linkname)
			if data, ok := snap[target]; ok {
				snap[name] = append([]byte(nil), data...)
			}
		}
		// Symlinks and device nodes have no snapshot representation.
	}
}

// removeTree deletes p and everything below it. With self false only the
// contents of directory p are removed.
func removeTree(snap snapshot.Snapshot, p string, self bool) {
	dir := strings.TrimSuffix(p, "/")
	if self {
		delete(snap, dir)
		delete(snap, dir+"/")
	}
	for k := range snap {
		if dir == "" || strings.HasPrefix(k, dir+"/") {
			if k != dir+"/" {
				delete(snap, k)
			}
		}
	}
}

func filterPrefix(snap snapshot.Snapshot, prefix string) snapshot.Snapshot {
	prefix = strings.Trim(archive.Key(prefix), "/")
	if prefix == "" {
		return snap
	}
	prefix += "/"
	out := snapshot.Snapshot{}
	for k, v := range snap {
		if k == prefix || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

// compact drops directory markers for directories that contain other
// entries; push recreates them from the file paths anyway.
func compact(snap snapshot.Snapshot) snapshot.Snapshot {
	for k := range snap {
		if !snapshot.IsMarker(k) {
			continue
		}
		for other := range snap {
			if other != k && strings.HasPrefix(other, k) {
				delete(snap, k)
				break
			}
		}
	}
	return snap
}
