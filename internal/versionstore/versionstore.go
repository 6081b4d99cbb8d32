// Package versionstore reads and writes partition versions and segment metadata on the local filesystem.
//
// Layout under a partition root:
//
//	version.<id>                       version file (JSON)
//	segment_<id>/segment_info.json     segment metadata (JSON)
//	__fence__<epoch>/                  per-attempt output directory
package versionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
)

const (
	versionPrefix   = "version."
	segmentPrefix   = "segment_"
	segmentInfoFile = "segment_info.json"
	fencePrefix     = "__fence__"
)

// ErrVersionNotFound is returned when a version file does not exist.
var ErrVersionNotFound = errors.New("version not found")

// Store is a filesystem version store. The zero value is ready to use.
type Store struct{}

// FenceName returns the fence directory name for an epoch id.
func FenceName(epochID string) string {
	return fencePrefix + epochID
}

// FenceDir returns the fence directory for an epoch id below root.
func FenceDir(root, epochID string) string {
	return filepath.Join(root, FenceName(epochID))
}

// VersionPath returns the version file path.
func VersionPath(dir string, id models.VersionID) string {
	return filepath.Join(dir, versionPrefix+strconv.FormatInt(int64(id), 10))
}

// SegmentDir returns the directory holding a segment.
func SegmentDir(dir string, id models.SegmentID) string {
	return filepath.Join(dir, segmentPrefix+strconv.FormatInt(int64(id), 10))
}

// ListVersionIDs returns the ids of every version under root in ascending order.
func (Store) ListVersionIDs(root string) ([]models.VersionID, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, status.Wrap(status.InternalError, err, "list versions in %s", root)
	}
	var ids []models.VersionID
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), versionPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, models.VersionID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListSegmentIDs returns the ids of every segment directory under root in ascending order.
func (Store) ListSegmentIDs(root string) ([]models.SegmentID, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, status.Wrap(status.InternalError, err, "list segments in %s", root)
	}
	var ids []models.SegmentID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), segmentPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, models.SegmentID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LoadVersion loads a version from root.
func (s Store) LoadVersion(root string, id models.VersionID) (*models.Version, error) {
	return s.loadVersionFile(VersionPath(root, id), id)
}

func (Store) loadVersionFile(path string, id models.VersionID) (*models.Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Wrap(status.InvalidArgs, ErrVersionNotFound, "load version %d", id)
		}
		return nil, status.Wrap(status.InternalError, err, "read version %d", id)
	}
	var v models.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, status.Wrap(status.Corruption, err, "decode version %s", path)
	}
	if v.VersionID != id {
		return nil, status.Corruptionf("version file %s carries id %d", path, v.VersionID)
	}
	return &v, nil
}

// LatestVersion returns the highest version id under root, or false when there is none.
func (s Store) LatestVersion(root string) (models.VersionID, bool, error) {
	ids, err := s.ListVersionIDs(root)
	if err != nil || len(ids) == 0 {
		return models.InvalidVersionID, false, err
	}
	return ids[len(ids)-1], true, nil
}

// WriteVersion atomically writes a version file into dir.
func (Store) WriteVersion(dir string, v *models.Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	return writeAtomic(VersionPath(dir, v.VersionID), data)
}

// LoadSegmentInfo loads the metadata of a segment below dir.
func (Store) LoadSegmentInfo(dir string, id models.SegmentID) (*models.SegmentInfo, error) {
	path := filepath.Join(SegmentDir(dir, id), segmentInfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.InvalidArgsf("segment %d not found in %s", id, dir)
		}
		return nil, status.Wrap(status.InternalError, err, "read segment %d", id)
	}
	var info models.SegmentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, status.Wrap(status.Corruption, err, "decode segment info %s", path)
	}
	return &info, nil
}

// WriteSegmentInfo atomically writes a segment's metadata below dir.
func (Store) WriteSegmentInfo(dir string, info *models.SegmentInfo) error {
	segDir := SegmentDir(dir, info.SegmentID)
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal segment info: %w", err)
	}
	return writeAtomic(filepath.Join(segDir, segmentInfoFile), data)
}

// SegmentExists reports whether a segment's metadata is present below root.
func (Store) SegmentExists(root string, id models.SegmentID) bool {
	_, err := os.Stat(filepath.Join(SegmentDir(root, id), segmentInfoFile))
	return err == nil
}

// MoveSegment moves a segment directory from one root to another. Moving onto an
// existing segment replaces it.
func (Store) MoveSegment(fromDir, toDir string, id models.SegmentID) error {
	src := SegmentDir(fromDir, id)
	dst := SegmentDir(toDir, id)
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear destination segment: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move segment %d: %w", id, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
