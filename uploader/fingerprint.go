package uploader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

// fileIdentity is the serialized form fingerprints are computed over. Only
// plain value fields appear here so the hash is stable across processes;
// the field order is fixed by the struct.
type fileIdentity struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	ContentType   string `json:"content_type"`
	LastModified  int64  `json:"last_modified"`
	FileType      string `json:"file_type"`
	SubCategory   string `json:"sub_category"`
	FileExtension string `json:"file_extension"`
}

// Fingerprint derives the stable identity key of a file + params pair. Two
// field-wise equal inputs always map to the same key; the key is the sole
// index into the track store.
func Fingerprint(src transfer.Source, params Params) string {
	identity := fileIdentity{
		Name:          src.Name(),
		Size:          src.Size(),
		ContentType:   src.ContentType(),
		LastModified:  src.LastModified().UnixMilli(),
		FileType:      params.FileType,
		SubCategory:   params.SubCategory,
		FileExtension: params.FileExtension,
	}
	payload, err := json.Marshal(identity)
	if err != nil {
		// identity holds nothing json.Marshal can reject
		payload = []byte(identity.Name)
	}
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
