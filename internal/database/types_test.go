package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/imgmatch/internal/features"
)

var orbConfig = features.Config{Detector: features.DetectorORB, MaxFeatures: 500}

func sampleRecord() (*CachedDescriptors, Entry) {
	entry := Entry{ID: "e1", Address: "https://example.com/a.png"}
	fp := &features.Fingerprint{
		Keypoints: []features.Keypoint{{X: 1, Y: 2, Size: 31, Angle: 90, Response: 0.5, Octave: 1}},
		Descriptors: features.NewBinaryTable(features.ORBDescriptorWidth, [][]byte{
			make([]byte, features.ORBDescriptorWidth),
		}),
		Width:  640,
		Height: 480,
	}
	return NewCachedDescriptors(entry, orbConfig, fp, time.Unix(1700000000, 0).UTC()), entry
}

func TestCachedDescriptors_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CachedDescriptors, *Entry, *features.Config)
		ok     bool
	}{
		{"valid", func(*CachedDescriptors, *Entry, *features.Config) {}, true},
		{"old schema", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.SchemaVersion = 0 }, false},
		{"other entry", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.EntryID = "e2" }, false},
		{"address changed", func(_ *CachedDescriptors, e *Entry, _ *features.Config) { e.Address = "https://example.com/b.png" }, false},
		{"detector changed", func(_ *CachedDescriptors, _ *Entry, c *features.Config) { c.Detector = features.DetectorSIFT }, false},
		{"feature limit changed", func(_ *CachedDescriptors, _ *Entry, c *features.Config) { c.MaxFeatures = 100 }, false},
		{"missing table", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.Descriptors = nil }, false},
		{"keypoint count", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.Keypoints = nil }, false},
		{"torn row", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.Descriptors.Binary[0] = []byte{1} }, false},
		{"zero size", func(r *CachedDescriptors, _ *Entry, _ *features.Config) { r.ImageWidth = 0 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, entry := sampleRecord()
			cfg := orbConfig
			tc.mutate(rec, &entry, &cfg)

			err := rec.Validate(cfg, entry)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCacheInconsistency))
			var ce *CacheInconsistencyError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, entry.ID, ce.EntryID)
		})
	}
}

func TestCachedDescriptors_Fingerprint(t *testing.T) {
	rec, _ := sampleRecord()
	fp := rec.Fingerprint()
	assert.Equal(t, 640, fp.Width)
	assert.Equal(t, 480, fp.Height)
	assert.Len(t, fp.Keypoints, 1)
	assert.Equal(t, 1, fp.Descriptors.Len())
}

func TestRecordCodec(t *testing.T) {
	rec, entry := sampleRecord()

	data, err := EncodeRecord(rec)
	require.NoError(t, err)

	got, err := DecodeRecord(entry.ID, data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.NoError(t, got.Validate(orbConfig, entry))
}

func TestDecodeRecord_Corrupt(t *testing.T) {
	rec, _ := sampleRecord()
	data, err := EncodeRecord(rec)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"empty":     nil,
		"no magic":  []byte("{\"kp\": []}"),
		"truncated": data[:len(data)/2],
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord("e1", input)
			assert.ErrorIs(t, err, ErrCacheInconsistency)
		})
	}
}

type stubCorpus struct{ CorpusWriter }

type stubCache struct{ CacheAdmin }

func TestProvider(t *testing.T) {
	ResetBackend()
	t.Cleanup(ResetBackend)
	ctx := context.Background()

	_, err := GetCorpusWriter(ctx)
	assert.Error(t, err)
	_, err = GetDescriptorCache(ctx)
	assert.Error(t, err)
	assert.False(t, IsInitialized())

	corpus := &stubCorpus{}
	cache := &stubCache{}
	RegisterBackend("stub", func() CorpusWriter { return corpus }, func() CacheAdmin { return cache })

	assert.True(t, IsInitialized())
	assert.Equal(t, "stub", BackendName())
	gotCorpus, err := GetCorpusReader(ctx)
	require.NoError(t, err)
	assert.Same(t, corpus, gotCorpus)
	gotCache, err := GetDescriptorCache(ctx)
	require.NoError(t, err)
	assert.Same(t, cache, gotCache)

	legacy := &stubCorpus{}
	RegisterCorpusOverride(func() CorpusWriter { return legacy })
	gotCorpus, err = GetCorpusWriter(ctx)
	require.NoError(t, err)
	assert.Same(t, legacy, gotCorpus)
}
