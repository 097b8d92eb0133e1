package storage

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"imagegate/internal/backend"
	"imagegate/internal/config"
)

// Store persists decoded images to disk and mints URLs for them. It is
// consulted only when a request asks for response_format "url" or "file";
// "b64_json" passes through untouched.
type Store struct {
	basePath  string
	urlPrefix string
}

// New constructs a Store from configuration.
func New(cfg config.StorageConfig) *Store {
	return &Store{basePath: cfg.BasePath, urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/")}
}

// EnsureDir creates the storage directory if it does not already exist.
func (s *Store) EnsureDir() error {
	return os.MkdirAll(s.basePath, 0o755)
}

// magic bytes used to pick a file extension for decoded image data.
var magicSignatures = []struct {
	prefix []byte
	ext    string
}{
	{[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "jpg"},
	{[]byte("GIF87a"), "gif"},
	{[]byte("GIF89a"), "gif"},
	{[]byte("BM"), "bmp"},
}

func detectImageFormat(data []byte) string {
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.ext
		}
	}
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "webp"
	}
	return "png"
}

// SaveBase64 decodes a base64 image payload, writes it under a fresh UUID
// filename, and returns the filename (not the full path).
func (s *Store) SaveBase64(b64Data string) (filename string, err error) {
	if err := s.EnsureDir(); err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(b64Data)
	if err != nil {
		return "", backend.NewError(backend.KindInvalidRequest, "invalid base64 image data: "+err.Error())
	}

	ext := detectImageFormat(data)
	filename = fmt.Sprintf("%s.%s", uuid.NewString(), ext)

	if err := os.WriteFile(filepath.Join(s.basePath, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("writing image file: %w", err)
	}
	return filename, nil
}

// URLFor mints the public URL for a previously-saved filename.
func (s *Store) URLFor(filename string) string {
	return s.urlPrefix + "/" + filename
}

// ApplyResponseFormat rewrites a GenerateResponse's images in place according
// to the requested response_format: "b64_json" (default) passes through,
// "url" and "file" decode-and-persist each image and replace B64JSON with a
// minted URL.
func (s *Store) ApplyResponseFormat(resp *backend.GenerateResponse, format string) error {
	if format == "" || format == "b64_json" {
		return nil
	}
	if format != "url" && format != "file" {
		return backend.NewError(backend.KindInvalidRequest, "unsupported response_format: "+format)
	}

	for i := range resp.Images {
		img := &resp.Images[i]
		if img.B64JSON == "" {
			continue
		}
		filename, err := s.SaveBase64(img.B64JSON)
		if err != nil {
			return err
		}
		img.URL = s.URLFor(filename)
		img.B64JSON = ""
	}
	return nil
}
