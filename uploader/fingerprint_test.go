package uploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

func TestFingerprint_Deterministic(t *testing.T) {
	modTime := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	params := Params{FileType: "video", SubCategory: "clips", FileExtension: "mp4"}

	a := transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime)
	b := transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime)

	first := Fingerprint(a, params)
	second := Fingerprint(b, params)

	assert.Equal(t, first, second, "field-wise equal identities must map to the same fingerprint")
	assert.Len(t, first, 64, "sha256 hex digest")
}

func TestFingerprint_SensitiveToEveryIdentityField(t *testing.T) {
	modTime := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	params := Params{FileType: "video", SubCategory: "clips", FileExtension: "mp4"}
	base := Fingerprint(transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime), params)

	tests := []struct {
		name   string
		src    transfer.Source
		params Params
	}{
		{
			name:   "different file name",
			src:    transfer.NewBytesSource("other.mp4", make([]byte, 1024), modTime),
			params: params,
		},
		{
			name:   "different size",
			src:    transfer.NewBytesSource("video.mp4", make([]byte, 2048), modTime),
			params: params,
		},
		{
			name:   "different modification time",
			src:    transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime.Add(time.Second)),
			params: params,
		},
		{
			name:   "different file type",
			src:    transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime),
			params: Params{FileType: "archive", SubCategory: "clips", FileExtension: "mp4"},
		},
		{
			name:   "different sub category",
			src:    transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime),
			params: Params{FileType: "video", SubCategory: "trailers", FileExtension: "mp4"},
		},
		{
			name:   "different extension",
			src:    transfer.NewBytesSource("video.mp4", make([]byte, 1024), modTime),
			params: Params{FileType: "video", SubCategory: "clips", FileExtension: "mov"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, Fingerprint(tt.src, tt.params))
		})
	}
}
