package storage

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"imagegate/internal/backend"
	"imagegate/internal/config"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

func TestDetectImageFormat(t *testing.T) {
	jpegHeader := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46}

	if got := detectImageFormat(pngHeader); got != "png" {
		t.Errorf("expected png, got %s", got)
	}
	if got := detectImageFormat(jpegHeader); got != "jpg" {
		t.Errorf("expected jpg, got %s", got)
	}
}

func TestSaveBase64WritesFileUnderUUIDName(t *testing.T) {
	dir := t.TempDir()
	s := New(config.StorageConfig{BasePath: dir, URLPrefix: "http://localhost:8080/images"})

	encoded := base64.StdEncoding.EncodeToString(pngHeader)
	filename, err := s.SaveBase64(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Ext(filename) != ".png" {
		t.Errorf("expected .png extension, got %s", filename)
	}

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(data) != string(pngHeader) {
		t.Error("written file content does not match decoded input")
	}
}

func TestSaveBase64InvalidData(t *testing.T) {
	s := New(config.StorageConfig{BasePath: t.TempDir()})
	_, err := s.SaveBase64("not-valid-base64!!!")
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}
	gwErr := err.(*backend.Error)
	if gwErr.Kind != backend.KindInvalidRequest {
		t.Errorf("expected InvalidRequest, got %s", gwErr.Kind)
	}
}

func TestURLFor(t *testing.T) {
	s := New(config.StorageConfig{URLPrefix: "http://localhost:8080/images/"})
	got := s.URLFor("abc.png")
	want := "http://localhost:8080/images/abc.png"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestApplyResponseFormatPassthrough(t *testing.T) {
	s := New(config.StorageConfig{BasePath: t.TempDir(), URLPrefix: "http://x/images"})
	resp := &backend.GenerateResponse{Images: []backend.GeneratedImage{{B64JSON: "abc"}}}

	if err := s.ApplyResponseFormat(resp, "b64_json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Images[0].B64JSON != "abc" {
		t.Error("expected b64_json to pass through unchanged")
	}
}

func TestApplyResponseFormatURL(t *testing.T) {
	dir := t.TempDir()
	s := New(config.StorageConfig{BasePath: dir, URLPrefix: "http://x/images"})
	encoded := base64.StdEncoding.EncodeToString(pngHeader)
	resp := &backend.GenerateResponse{Images: []backend.GeneratedImage{{B64JSON: encoded}}}

	if err := s.ApplyResponseFormat(resp, "url"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Images[0].B64JSON != "" {
		t.Error("expected b64_json to be cleared after minting a URL")
	}
	if resp.Images[0].URL == "" {
		t.Error("expected a minted URL")
	}
}

func TestApplyResponseFormatInvalid(t *testing.T) {
	s := New(config.StorageConfig{BasePath: t.TempDir()})
	resp := &backend.GenerateResponse{Images: []backend.GeneratedImage{{B64JSON: "abc"}}}

	err := s.ApplyResponseFormat(resp, "unsupported")
	if err == nil {
		t.Fatal("expected error for unsupported response_format")
	}
}
