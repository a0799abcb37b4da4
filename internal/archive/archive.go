// Package archive is the serialized form of a snapshot: a gzip-compressed tar
// stream. Encoding is deterministic, so equal snapshots produce equal bytes
// and the same digest.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gzip "github.com/klauspost/compress/gzip"

	"github.com/xfeldman/statebridge/internal/snapshot"
	"github.com/xfeldman/statebridge/internal/vfs"
)

// MediaType identifies encoded snapshots in buckets and image layers.
const MediaType = "application/vnd.statebridge.snapshot.tar+gzip"

// Encode writes snap to w as a gzip-compressed tar stream. Entries are
// written in path order; directory markers become directory entries.
func Encode(w io.Writer, snap snapshot.Snapshot) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, p := range snap.Paths() {
		hdr := &tar.Header{
			Name:    vfs.Canonical(p),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if snapshot.IsMarker(p) {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = 0644
			hdr.Size = int64(len(snap[p]))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", p, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(snap[p]); err != nil {
				return fmt.Errorf("write %s: %w", p, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

// Decode reads a stream produced by Encode. Entry types other than regular
// files and directories are skipped.
func Decode(r io.Reader) (snapshot.Snapshot, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	snap := snapshot.Snapshot{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		name := Key(hdr.Name)
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			snap[strings.TrimSuffix(name, "/")+"/"] = nil
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			snap[name] = data
		}
	}
	return snap, nil
}

// Key turns an archive entry name into a snapshot key: canonical, with any
// leading "./" or "/" removed.
func Key(name string) string {
	name = vfs.Canonical(name)
	for {
		switch {
		case strings.HasPrefix(name, "./"):
			name = name[2:]
		case strings.HasPrefix(name, "/"):
			name = name[1:]
		default:
			if name == "." {
				return ""
			}
			return name
		}
	}
}

// Marshal encodes snap into memory.
func Marshal(snap snapshot.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an in-memory archive.
func Unmarshal(data []byte) (snapshot.Snapshot, error) {
	return Decode(bytes.NewReader(data))
}

// Digest returns the content address of an encoded archive.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
