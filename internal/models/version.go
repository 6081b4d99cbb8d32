package models

import "time"

// VersionID names an immutable snapshot of a partition's segment set.
type VersionID int64

// SegmentID names a unit of stored data.
type SegmentID int64

// InvalidVersionID marks the absence of a version.
const InvalidVersionID VersionID = -1

// Id-space bits shared by versions and segments.
const (
	PrivateIDMask int64 = 1 << 30
	MergedIDMask  int64 = 1 << 29
	idSpaceMask         = PrivateIDMask | MergedIDMask
)

// IsPublic reports whether the version belongs to the public id-space.
func (v VersionID) IsPublic() bool { return int64(v)&idSpaceMask == 0 }

// IsPrivate reports whether the version belongs to the private id-space.
func (v VersionID) IsPrivate() bool { return int64(v)&PrivateIDMask != 0 }

// IsPureMerge reports whether the version was produced by a merge only.
func (v VersionID) IsPureMerge() bool { return !v.IsPublic() && !v.IsPrivate() }

// Sequence strips the id-space bits.
func (v VersionID) Sequence() int64 { return int64(v) &^ idSpaceMask }

// MergedVersionID builds a version id in the merged id-space.
func MergedVersionID(seq int64) VersionID { return VersionID(seq&^idSpaceMask | MergedIDMask) }

// IsMerged reports whether the segment was produced by a merge.
func (s SegmentID) IsMerged() bool { return int64(s)&MergedIDMask != 0 && int64(s)&PrivateIDMask == 0 }

// Sequence strips the id-space bits.
func (s SegmentID) Sequence() int64 { return int64(s) &^ idSpaceMask }

// MergedSegmentID builds a segment id in the merged id-space.
func MergedSegmentID(seq int64) SegmentID { return SegmentID(seq&^idSpaceMask | MergedIDMask) }

// Version is the on-disk description of a partition snapshot.
type Version struct {
	VersionID VersionID   `json:"version_id"`
	SchemaID  int64       `json:"schema_id"`
	Segments  []SegmentID `json:"segments"`
	Timestamp time.Time   `json:"timestamp"`
	FenceName string      `json:"fence_name,omitempty"`
}

// SegmentInfo is the metadata stored alongside a segment's data.
type SegmentInfo struct {
	SegmentID SegmentID   `json:"segment_id"`
	SchemaID  int64       `json:"schema_id"`
	DocCount  int64       `json:"doc_count"`
	Sources   []SegmentID `json:"sources,omitempty"`
}
