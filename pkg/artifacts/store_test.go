package artifacts

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

var tinyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestFileStorePutFetch(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, tinyModule)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, RefPrefix) {
		t.Fatalf("ref %q missing prefix", ref)
	}

	got, err := s.Fetch(ctx, ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, tinyModule) {
		t.Fatal("fetched bytes differ")
	}

	// Put is idempotent for identical content.
	ref2, err := s.Put(ctx, tinyModule)
	if err != nil || ref2 != ref {
		t.Fatalf("second Put: ref=%q err=%v", ref2, err)
	}
}

func TestFileStoreRejectsBadRef(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.Fetch(context.Background(), "md5:abc"); err == nil {
		t.Fatal("expected rejection of non-sha256 ref")
	}
	if _, err := s.Fetch(context.Background(), "sha256:zz"); err == nil {
		t.Fatal("expected rejection of non-hex digest")
	}
}

func TestFileStoreExistsAndDelete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, tinyModule)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Exists after Put: ok=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = s.Exists(ctx, ref)
	if err != nil || ok {
		t.Fatalf("Exists after Delete: ok=%v err=%v", ok, err)
	}
	// Deleting a missing module is not an error.
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestRegistryPublish(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := NewRegistry(s)
	ctx := context.Background()

	ref, err := r.Publish(ctx, "ov-enrich", tinyModule)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bound, ok := r.Resolve("ov-enrich")
	if !ok || bound != ref {
		t.Fatalf("Resolve: bound=%q ok=%v", bound, ok)
	}
	if _, err := r.Fetch(ctx, ref); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestRegistryRejectsNonWasm(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := NewRegistry(s)
	if _, err := r.Publish(context.Background(), "ov-x", []byte("#!/bin/sh")); err != ErrNotWasm {
		t.Fatalf("expected ErrNotWasm, got %v", err)
	}
}
