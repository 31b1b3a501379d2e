package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/metrics"
)

// Artifact container constants. The magic and version byte open every
// artifact file; a loader must refuse anything it does not recognize.
const (
	artifactMagic   = "VELOMTRX"
	artifactVersion = byte(1)

	// headerLenSize is the width of the big-endian header length field.
	headerLenSize = 4

	// maxHeaderLen bounds the declared header length so a corrupt length
	// field cannot drive a huge allocation.
	maxHeaderLen = 1 << 20
)

// Header is the self-describing artifact metadata, stored as JSON between
// the container preamble and the compressed payload.
type Header struct {
	FormatVersion     int               `json:"formatVersion"`
	CreatedAt         time.Time         `json:"createdAt"`
	RangeSpec         string            `json:"rangeSpec"`
	Environment       string            `json:"environment"`
	CollectorVersions map[string]string `json:"collectorVersions,omitempty"`
	Partial           bool              `json:"partial"`
}

// Bundle is the metric payload of one artifact: every configured team, every
// team member, and the cross-team comparison for the keyed window.
// Performance scores are not stored; the server computes them at serve time
// from the current weight vector, so a weight change never invalidates an
// artifact.
type Bundle struct {
	Teams      []metrics.TeamMetrics
	People     []metrics.PersonMetrics
	Comparison []metrics.ComparisonRow
}

// WriteArtifact writes the artifact to path atomically: a temp file in the
// same directory, fsync, then rename. The payload is gob-encoded and wrapped
// in an lz4 frame.
func WriteArtifact(path string, header Header, bundle *Bundle) error {
	header.FormatVersion = int(artifactVersion)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode artifact header: %w", err)
	}

	payload, err := encodePayload(bundle)
	if err != nil {
		return err
	}

	var buf bytes.Buffer

	buf.WriteString(artifactMagic)
	buf.WriteByte(artifactVersion)

	var lenField [headerLenSize]byte

	binary.BigEndian.PutUint32(lenField[:], uint32(len(headerJSON)))
	buf.Write(lenField[:])
	buf.Write(headerJSON)
	buf.Write(payload)

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()

		return fmt.Errorf("write artifact: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("sync artifact: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}

	return nil
}

// ReadArtifact loads and validates one artifact. Unknown magic, an unknown
// version byte, or a truncated or undecodable body report ErrCacheCorrupt.
func ReadArtifact(path string) (Header, *Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("read artifact: %w", err)
	}

	preamble := len(artifactMagic) + 1 + headerLenSize
	if len(data) < preamble {
		return Header{}, nil, fmt.Errorf("%w: %s: truncated preamble", errdefs.ErrCacheCorrupt, path)
	}

	if string(data[:len(artifactMagic)]) != artifactMagic {
		return Header{}, nil, fmt.Errorf("%w: %s: bad magic", errdefs.ErrCacheCorrupt, path)
	}

	if version := data[len(artifactMagic)]; version != artifactVersion {
		return Header{}, nil, fmt.Errorf("%w: %s: unknown format version %d", errdefs.ErrCacheCorrupt, path, version)
	}

	headerLen := binary.BigEndian.Uint32(data[len(artifactMagic)+1 : preamble])
	if headerLen > maxHeaderLen || preamble+int(headerLen) > len(data) {
		return Header{}, nil, fmt.Errorf("%w: %s: header length %d out of range", errdefs.ErrCacheCorrupt, path, headerLen)
	}

	var header Header
	if err := json.Unmarshal(data[preamble:preamble+int(headerLen)], &header); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %s: decode header: %v", errdefs.ErrCacheCorrupt, path, err)
	}

	bundle, err := decodePayload(data[preamble+int(headerLen):])
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %s: %v", errdefs.ErrCacheCorrupt, path, err)
	}

	return header, bundle, nil
}

// encodePayload gob-encodes the bundle inside an lz4 frame.
func encodePayload(bundle *Bundle) ([]byte, error) {
	var buf bytes.Buffer

	zw := lz4.NewWriter(&buf)

	if err := gob.NewEncoder(zw).Encode(bundle); err != nil {
		return nil, fmt.Errorf("encode artifact payload: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress artifact payload: %w", err)
	}

	return buf.Bytes(), nil
}

// decodePayload reverses encodePayload.
func decodePayload(data []byte) (*Bundle, error) {
	zr := lz4.NewReader(bytes.NewReader(data))

	var bundle Bundle
	if err := gob.NewDecoder(zr).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	return &bundle, nil
}

// pruneArtifacts deletes the oldest artifacts beyond the retention cap.
// A cap of zero or less disables pruning.
func pruneArtifacts(dir string, maxArtifacts int) error {
	if maxArtifacts <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	type aged struct {
		name    string
		modTime time.Time
	}

	var artifacts []aged

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != artifactExt {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return fmt.Errorf("stat artifact %s: %w", entry.Name(), err)
		}

		artifacts = append(artifacts, aged{name: entry.Name(), modTime: info.ModTime()})
	}

	if len(artifacts) <= maxArtifacts {
		return nil
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].modTime.Before(artifacts[j].modTime)
	})

	for _, victim := range artifacts[:len(artifacts)-maxArtifacts] {
		if err := os.Remove(filepath.Join(dir, victim.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("prune artifact %s: %w", victim.name, err)
		}
	}

	return nil
}
