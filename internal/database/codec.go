package database

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/kozaktomas/imgmatch/internal/features"
)

// recordMagic prefixes every encoded record.
var recordMagic = []byte("IMDC")

// wireRecord is the explicit field list stored for a CachedDescriptors.
// Field names are part of the format.
type wireRecord struct {
	SchemaVersion   int
	EntryID         string
	Extractor       string
	SourceAddress   string
	ImageWidth      int
	ImageHeight     int
	Keypoints       []features.Keypoint
	DescriptorKind  string
	DescriptorWidth int
	Float           [][]float32
	Binary          [][]byte
	CreatedAtUnixNs int64
}

// EncodeRecord serializes a record for blob storage.
func EncodeRecord(rec *CachedDescriptors) ([]byte, error) {
	if rec.Descriptors == nil {
		return nil, fmt.Errorf("record for entry %s has no descriptor table", rec.EntryID)
	}
	w := wireRecord{
		SchemaVersion:   rec.SchemaVersion,
		EntryID:         rec.EntryID,
		Extractor:       rec.Extractor,
		SourceAddress:   rec.SourceAddress,
		ImageWidth:      rec.ImageWidth,
		ImageHeight:     rec.ImageHeight,
		Keypoints:       rec.Keypoints,
		DescriptorKind:  rec.Descriptors.Kind.String(),
		DescriptorWidth: rec.Descriptors.Width,
		Float:           rec.Descriptors.Float,
		Binary:          rec.Descriptors.Binary,
		CreatedAtUnixNs: rec.CreatedAt.UnixNano(),
	}

	var buf bytes.Buffer
	buf.Write(recordMagic)
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encode descriptor record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses a blob written by EncodeRecord. Corrupt or foreign
// payloads are reported as *CacheInconsistencyError for entryID.
func DecodeRecord(entryID string, data []byte) (*CachedDescriptors, error) {
	if !bytes.HasPrefix(data, recordMagic) {
		return nil, &CacheInconsistencyError{EntryID: entryID, Reason: "unrecognized record payload"}
	}

	var w wireRecord
	if err := gob.NewDecoder(bytes.NewReader(data[len(recordMagic):])).Decode(&w); err != nil {
		return nil, &CacheInconsistencyError{EntryID: entryID, Reason: fmt.Sprintf("undecodable record: %v", err)}
	}
	kind, err := features.ParseDescriptorKind(w.DescriptorKind)
	if err != nil {
		return nil, &CacheInconsistencyError{EntryID: entryID, Reason: err.Error()}
	}

	return &CachedDescriptors{
		SchemaVersion: w.SchemaVersion,
		EntryID:       w.EntryID,
		Extractor:     w.Extractor,
		SourceAddress: w.SourceAddress,
		ImageWidth:    w.ImageWidth,
		ImageHeight:   w.ImageHeight,
		Keypoints:     w.Keypoints,
		Descriptors: &features.DescriptorTable{
			Kind:   kind,
			Width:  w.DescriptorWidth,
			Float:  w.Float,
			Binary: w.Binary,
		},
		CreatedAt: time.Unix(0, w.CreatedAtUnixNs).UTC(),
	}, nil
}
