package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

const defaultContentType = "application/octet-stream"

// Source is a named, sized blob of bytes to upload. Open may be called more
// than once: every upload attempt reads the source from the beginning or
// seeks to the offset its checkpoint points at.
type Source interface {
	Name() string
	Size() int64
	ContentType() string
	LastModified() time.Time
	Open() (io.ReadSeekCloser, error)
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	path        string
	name        string
	size        int64
	contentType string
	modTime     time.Time
}

// NewFileSource creates a Source for the file at path. The content type is
// derived from the file extension.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file", path)
	}

	return &FileSource{
		path:        path,
		name:        info.Name(),
		size:        info.Size(),
		contentType: contentTypeByExtension(info.Name()),
		modTime:     info.ModTime(),
	}, nil
}

// Name ...
func (s *FileSource) Name() string { return s.name }

// Size ...
func (s *FileSource) Size() int64 { return s.size }

// ContentType ...
func (s *FileSource) ContentType() string { return s.contentType }

// LastModified ...
func (s *FileSource) LastModified() time.Time { return s.modTime }

// Open ...
func (s *FileSource) Open() (io.ReadSeekCloser, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// BytesSource is an in-memory Source.
type BytesSource struct {
	name    string
	data    []byte
	modTime time.Time
}

// NewBytesSource ...
func NewBytesSource(name string, data []byte, modTime time.Time) *BytesSource {
	return &BytesSource{name: name, data: data, modTime: modTime}
}

// Name ...
func (s *BytesSource) Name() string { return s.name }

// Size ...
func (s *BytesSource) Size() int64 { return int64(len(s.data)) }

// ContentType ...
func (s *BytesSource) ContentType() string { return contentTypeByExtension(s.name) }

// LastModified ...
func (s *BytesSource) LastModified() time.Time { return s.modTime }

// Open ...
func (s *BytesSource) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(s.data)}, nil
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }

func contentTypeByExtension(name string) string {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		return defaultContentType
	}
	return contentType
}
