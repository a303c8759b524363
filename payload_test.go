package oaiextract

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPayloadCollectorRequiresExactlyOneFilterOption(t *testing.T) {
	if _, err := NewPayloadCollector(); err == nil {
		t.Fatal("expected UsageError when neither WithFilter nor WithFilters is supplied")
	}
	f := ByRegex(`.*`)
	if _, err := NewPayloadCollector(WithFilter(f), WithFilters([]TransferURLFilter{f})); err == nil {
		t.Fatal("expected UsageError when both WithFilter and WithFilters are supplied")
	}
	if _, err := NewPayloadCollector(WithFilter(f)); err != nil {
		t.Fatalf("WithFilter alone should succeed, got %v", err)
	}
}

func TestExtractURLsDedupesAndWarnsWhenEmpty(t *testing.T) {
	pc, err := NewPayloadCollector(WithFilter(ByRegex(`https?://[^<\s]+`)))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecord("id1")
	r.MetadataRaw = `<m><a>http://x/file</a><b>http://x/file</b></m>`
	if err := pc.ExtractURLs(&r, false); err != nil {
		t.Fatal(err)
	}
	if len(r.Files) != 1 {
		t.Fatalf("expected deduped single file, got %d", len(r.Files))
	}

	r2 := NewRecord("id2")
	r2.MetadataRaw = `<m>nothing here</m>`
	if err := pc.ExtractURLs(&r2, false); err != nil {
		t.Fatal(err)
	}
	if len(pc.Log().EntriesAt(LevelWarning)) == 0 {
		t.Fatal("expected a WARNING entry when no URLs are extracted")
	}
}

func TestExtractURLsContinuesPastUndeclaredPrefixFilter(t *testing.T) {
	bad := ByRegexWithXPathQuery("", "./namespace_b:dc/dc:identifier")
	good := ByRegex(`https?://[^<\s]+`)
	pc, err := NewPayloadCollector(WithFilters([]TransferURLFilter{bad, good}))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecord("id1")
	r.MetadataRaw = `<root xmlns:namespace_a="urn:a">http://x/file</root>`
	if err := pc.ExtractURLs(&r, false); err != nil {
		t.Fatalf("undeclared-prefix filter error should be caught and logged, not propagated: %v", err)
	}
	if len(r.Files) != 1 {
		t.Fatalf("expected the second filter's URL to still be collected, got %d files", len(r.Files))
	}
	found := false
	for _, e := range pc.Log().EntriesAt(LevelError) {
		if strings.Contains(e.Body, "not found in prefix map") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the undeclared-prefix error to be logged")
	}
}

func TestExtractURLsSkipsWhenFilesPresentAndNotRenewing(t *testing.T) {
	pc, err := NewPayloadCollector(WithFilter(ByRegex(`https?://[^<\s]+`)))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecord("id1")
	r.AddFile(File{URL: "http://existing"})
	r.MetadataRaw = `<m>http://new</m>`
	if err := pc.ExtractURLs(&r, false); err != nil {
		t.Fatal(err)
	}
	if len(r.Files) != 1 || r.Files[0].URL != "http://existing" {
		t.Fatal("ExtractURLs should not renew when Files is non-empty and renew=false")
	}
}

func TestDownloadFileRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	pc, err := NewPayloadCollector(WithFilter(ByRegex(`.*`)), WithRetryInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path, err := pc.DownloadFile(dir, srv.URL+"/file.bin", "")
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil || string(data) != "payload" {
		t.Fatalf("unexpected file content: %v %q", readErr, data)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDownloadFileFailsImmediatelyOnNonRetryableStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pc, err := NewPayloadCollector(WithFilter(ByRegex(`.*`)), WithRetryInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if _, err := pc.DownloadFile(dir, srv.URL+"/file.bin", ""); err == nil {
		t.Fatal("expected failure on a non-retryable status")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}

func TestDownloadFileExhaustsRetriesOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pc, err := NewPayloadCollector(WithFilter(ByRegex(`.*`)), WithRetryInterval(0), WithMaxRetries(2))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if _, err := pc.DownloadFile(dir, srv.URL+"/file.bin", ""); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if len(pc.Log().EntriesAt(LevelError)) != 3 {
		t.Fatalf("expected an ERROR entry per failed attempt (3 total), got %d", len(pc.Log().EntriesAt(LevelError)))
	}
}

func TestDownloadFileContentDispositionFilenamePriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="named.pdf"`)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	pc, err := NewPayloadCollector(WithFilter(ByRegex(`.*`)))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path, err := pc.DownloadFile(dir, srv.URL+"/ignored-name.bin", "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "named.pdf" {
		t.Fatalf("expected Content-Disposition filename to win, got %q", filepath.Base(path))
	}
}

func TestDownloadFileCollisionLoopAlwaysFailsOnExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new content"))
	}))
	defer srv.Close()

	pc, err := NewPayloadCollector(WithFilter(ByRegex(`.*`)))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	existing := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(existing, []byte("preexisting"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = pc.DownloadFile(dir, srv.URL+"/file.bin", "")
	if err == nil {
		t.Fatal("expected CollisionError: the loop never substitutes the computed alternative name")
	}
	var ce *CollisionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CollisionError, got %T: %v", err, err)
	}
}
