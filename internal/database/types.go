package database

import (
	"fmt"
	"time"

	"github.com/kozaktomas/imgmatch/internal/features"
)

// CacheSchemaVersion tags every cached descriptor record. Bump it whenever
// the record layout or its meaning changes; older records are then
// reported as inconsistent and recomputed.
const CacheSchemaVersion = 1

// Entry is one reference image of the corpus.
type Entry struct {
	ID         string
	Address    string
	CreatedAt  time.Time
	MatchCount int
	Seq        int64 // insertion order
}

// CachedDescriptors is the persisted fingerprint of a corpus entry.
type CachedDescriptors struct {
	SchemaVersion int
	EntryID       string
	Extractor     string // features.Config.Signature of the producer
	SourceAddress string // entry address the features were computed from
	ImageWidth    int
	ImageHeight   int
	Keypoints     []features.Keypoint
	Descriptors   *features.DescriptorTable
	CreatedAt     time.Time
}

// NewCachedDescriptors builds the record for an entry's fingerprint.
func NewCachedDescriptors(entry Entry, cfg features.Config, fp *features.Fingerprint, now time.Time) *CachedDescriptors {
	return &CachedDescriptors{
		SchemaVersion: CacheSchemaVersion,
		EntryID:       entry.ID,
		Extractor:     cfg.Signature(),
		SourceAddress: entry.Address,
		ImageWidth:    fp.Width,
		ImageHeight:   fp.Height,
		Keypoints:     fp.Keypoints,
		Descriptors:   fp.Descriptors,
		CreatedAt:     now,
	}
}

// Fingerprint returns the record contents as a fingerprint.
func (r *CachedDescriptors) Fingerprint() *features.Fingerprint {
	return &features.Fingerprint{
		Keypoints:   r.Keypoints,
		Descriptors: r.Descriptors,
		Width:       r.ImageWidth,
		Height:      r.ImageHeight,
	}
}

// Validate checks that the record is usable for entry under the extractor
// configuration cfg. Any mismatch is a *CacheInconsistencyError.
func (r *CachedDescriptors) Validate(cfg features.Config, entry Entry) error {
	fail := func(format string, args ...any) error {
		return &CacheInconsistencyError{EntryID: entry.ID, Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case r.SchemaVersion != CacheSchemaVersion:
		return fail("schema version %d, want %d", r.SchemaVersion, CacheSchemaVersion)
	case r.EntryID != entry.ID:
		return fail("record belongs to entry %q", r.EntryID)
	case r.Extractor != cfg.Signature():
		return fail("extracted by %q, current extractor is %q", r.Extractor, cfg.Signature())
	case r.SourceAddress != entry.Address:
		return fail("computed from %q, entry now points at %q", r.SourceAddress, entry.Address)
	case r.ImageWidth <= 0 || r.ImageHeight <= 0:
		return fail("invalid image size %dx%d", r.ImageWidth, r.ImageHeight)
	case r.Descriptors == nil:
		return fail("missing descriptor table")
	}

	if err := r.Descriptors.Validate(); err != nil {
		return fail("%v", err)
	}
	if r.Descriptors.Kind != cfg.DescriptorKind() || r.Descriptors.Width != cfg.DescriptorWidth() {
		return fail("descriptor table is %s/%d, want %s/%d",
			r.Descriptors.Kind, r.Descriptors.Width, cfg.DescriptorKind(), cfg.DescriptorWidth())
	}
	if len(r.Keypoints) != r.Descriptors.Len() {
		return fail("%d keypoints for %d descriptors", len(r.Keypoints), r.Descriptors.Len())
	}
	return nil
}
