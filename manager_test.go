package oaiextract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitForFinal(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the job to finish")
	}
}

// waitForEnd polls until job has been ended, normally or by abort. Aborted
// jobs never invoke OnFinal, so their tests cannot wait on it.
func waitForEnd(t *testing.T, job *Job) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job.mu.Lock()
		ended := job.CompleteDatetime != notCompleted
		job.mu.Unlock()
		if ended {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the job to end")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recordHeaderXML(identifier string) string {
	return `<OAI-PMH><GetRecord><header status=""><identifier>` + identifier + `</identifier><datestamp>d</datestamp></header></GetRecord></OAI-PMH>`
}

func TestHarvestWithExplicitIdentifiersNeverCallsListIdentifiers(t *testing.T) {
	var listCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("verb") {
		case "ListIdentifiers":
			atomic.AddInt32(&listCalls, 1)
			w.Write([]byte(`<OAI-PMH><ListIdentifiers></ListIdentifiers></OAI-PMH>`))
		case "GetRecord":
			w.Write([]byte(recordHeaderXML(r.URL.Query().Get("identifier"))))
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	done := make(chan struct{}, 1)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{
		Identifiers: []string{"oai:1", "oai:2"},
		OnFinal:     func(ctx context.Context, job *Job) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForFinal(t, done)

	if atomic.LoadInt32(&listCalls) != 0 {
		t.Fatal("explicit identifiers should bypass ListIdentifiers entirely")
	}
	job := m.GetJob(jobID)
	if job == nil {
		t.Fatal("expected the job to be retrievable")
	}
	if !job.Complete || job.Running {
		t.Fatal("expected the job to have completed normally")
	}
	if len(job.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(job.Records))
	}
	for _, r := range job.Records {
		if !r.Complete {
			t.Fatalf("expected record %q to be complete", r.Identifier)
		}
	}
}

func TestHarvestPagedListIdentifiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("verb") {
		case "ListIdentifiers":
			switch r.URL.Query().Get("resumptionToken") {
			case "":
				w.Write([]byte(`<OAI-PMH><ListIdentifiers>
					<header><identifier>oai:1</identifier><datestamp>d</datestamp></header>
					<resumptionToken>page2</resumptionToken>
				</ListIdentifiers></OAI-PMH>`))
			case "page2":
				w.Write([]byte(`<OAI-PMH><ListIdentifiers>
					<header><identifier>oai:2</identifier><datestamp>d</datestamp></header>
					<header><identifier>oai:3</identifier><datestamp>d</datestamp></header>
				</ListIdentifiers></OAI-PMH>`))
			}
		case "GetRecord":
			w.Write([]byte(recordHeaderXML(r.URL.Query().Get("identifier"))))
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	done := make(chan struct{}, 1)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{
		OnFinal: func(ctx context.Context, job *Job) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForFinal(t, done)

	job := m.GetJob(jobID)
	if len(job.Records) != 3 {
		t.Fatalf("expected 3 records across both pages, got %d", len(job.Records))
	}
	if !job.Complete {
		t.Fatal("expected the job to complete")
	}
}

func TestHarvestAbortsOnFirstPageEmptyIdentifiersWithResumptionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("verb") {
		case "ListIdentifiers":
			// Malformed but real-world repository response: no headers, yet a
			// non-null resumptionToken claiming more pages exist.
			w.Write([]byte(`<OAI-PMH><ListIdentifiers>
				<resumptionToken>page2</resumptionToken>
			</ListIdentifiers></OAI-PMH>`))
		case "GetRecord":
			t.Error("GetRecord should never be called once enumeration aborts on badResumptionToken")
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitForEnd(t, m.GetJob(jobID))

	job := m.GetJob(jobID)
	if job.Complete {
		t.Fatal("a badResumptionToken abort on the very first page should leave the job incomplete")
	}
	if len(job.Records) != 0 {
		t.Fatalf("expected no records to have been enumerated, got %d", len(job.Records))
	}
	if len(job.Log.EntriesAt(LevelError)) == 0 {
		t.Fatal("expected the badResumptionToken condition to be logged")
	}
}

func TestHarvestPartialGetRecordFailureDoesNotFailJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("verb") {
		case "GetRecord":
			id := r.URL.Query().Get("identifier")
			if id == "bad" {
				w.Write([]byte(`<OAI-PMH><error code="idDoesNotExist">gone</error></OAI-PMH>`))
				return
			}
			w.Write([]byte(recordHeaderXML(id)))
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	done := make(chan struct{}, 1)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{
		Identifiers: []string{"good", "bad"},
		OnFinal:     func(ctx context.Context, job *Job) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForFinal(t, done)

	job := m.GetJob(jobID)
	if !job.Complete {
		t.Fatal("a single record failure should not prevent the job from completing")
	}
	var good, bad *Record
	for i := range job.Records {
		switch job.Records[i].Identifier {
		case "good":
			good = &job.Records[i]
		case "bad":
			bad = &job.Records[i]
		}
	}
	if good == nil || !good.Complete {
		t.Fatal("expected the successfully fetched record to be complete")
	}
	if bad == nil || bad.Complete {
		t.Fatal("expected the failed record to remain incomplete")
	}
	if len(job.Log.EntriesAt(LevelError)) == 0 {
		t.Fatal("expected the fetch failure to be logged")
	}
}

func TestHarvestFilterOmitsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("verb") == "GetRecord" {
			w.Write([]byte(recordHeaderXML(r.URL.Query().Get("identifier"))))
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	done := make(chan struct{}, 1)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{
		Identifiers: []string{"keep", "drop"},
		Filter:      func(r *Record) bool { return r.Identifier != "drop" },
		OnFinal:     func(ctx context.Context, job *Job) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForFinal(t, done)

	job := m.GetJob(jobID)
	if len(job.Records) != 1 || job.Records[0].Identifier != "keep" {
		t.Fatalf("expected only 'keep' to remain in Records, got %+v", job.Records)
	}
	if len(job.OmittedRecords) != 1 || job.OmittedRecords[0].Identifier != "drop" {
		t.Fatalf("expected 'drop' to be moved to OmittedRecords, got %+v", job.OmittedRecords)
	}
}

func TestAbortJobMidFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("verb") == "GetRecord" {
			time.Sleep(150 * time.Millisecond)
			w.Write([]byte(recordHeaderXML(r.URL.Query().Get("identifier"))))
		}
	}))
	defer srv.Close()

	m := NewExtractionManager(NewRepositoryClient(srv.URL), nil)
	jobID, err := m.Harvest("oai_dc", HarvestOptions{
		Identifiers: []string{"a", "b", "c", "d", "e"},
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	m.AbortJob(jobID)
	waitForEnd(t, m.GetJob(jobID))

	job := m.GetJob(jobID)
	if job.Complete {
		t.Fatal("an aborted job should not be marked complete")
	}
	if job.Running {
		t.Fatal("an aborted job should not be left running")
	}
	if m.GetJob(jobID) == nil {
		t.Fatal("an aborted job should remain retrievable")
	}
}

func TestExtractWithoutCollectorReturnsUsageError(t *testing.T) {
	m := NewExtractionManager(NewRepositoryClient("http://unused"), nil)
	_, err := m.Extract(t.TempDir(), "oai_dc", ExtractOptions{Identifiers: []string{"x"}})
	if err == nil {
		t.Fatal("expected UsageError when no PayloadCollector is configured")
	}
	if _, ok := err.(*UsageError); !ok {
		t.Fatalf("expected *UsageError, got %T: %v", err, err)
	}
	if len(m.ListJobs()) != 0 {
		t.Fatal("no job should be registered when Extract fails before spawning")
	}
}

func TestExtractDownloadsFilesIntoExpectedDirLayout(t *testing.T) {
	var oaiSrv *httptest.Server
	oaiSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("verb") == "GetRecord" {
			id := r.URL.Query().Get("identifier")
			url := oaiSrv.URL + "/payload/" + id + ".bin"
			w.Write([]byte(`<OAI-PMH><GetRecord><header status=""><identifier>` + id + `</identifier><datestamp>d</datestamp></header>` +
				`<metadata><file>` + url + `</file></metadata></GetRecord></OAI-PMH>`))
			return
		}
		if r.URL.Path == "/payload/rec1.bin" {
			w.Write([]byte("file contents"))
			return
		}
		http.NotFound(w, r)
	}))
	defer oaiSrv.Close()

	collector, err := NewPayloadCollector(WithFilter(ByRegex(`https?://[^<\s]+`)))
	if err != nil {
		t.Fatal(err)
	}
	m := NewExtractionManager(NewRepositoryClient(oaiSrv.URL), collector)

	outDir := t.TempDir()
	done := make(chan struct{}, 1)
	jobID, err := m.Extract(outDir, "oai_dc", ExtractOptions{
		Identifiers: []string{"rec1"},
		OnFinal:     func(ctx context.Context, job *Job) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForFinal(t, done)

	job := m.GetJob(jobID)
	if !job.Complete {
		t.Fatal("expected the extraction job to complete")
	}
	if len(job.Records) != 1 || len(job.Records[0].Files) != 1 {
		t.Fatalf("expected 1 record with 1 file, got %+v", job.Records)
	}
	rec := job.Records[0]
	if !rec.Files[0].Complete || rec.Path == "" {
		t.Fatalf("expected the file to be downloaded and the record's Path set, got %+v", rec)
	}

	jobDir := filepath.Join(outDir, jobID)
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		t.Fatalf("expected a job directory at %s: %v", jobDir, err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one record directory, got %d", len(entries))
	}
	recordDirName := entries[0].Name()
	if len(recordDirName) != len(rec.IdentifierHash)+1+9 {
		t.Fatalf("expected record dir name to be '<hash>-<9chars>', got %q", recordDirName)
	}
	if recordDirName[:len(rec.IdentifierHash)] != rec.IdentifierHash {
		t.Fatalf("expected record dir name to start with the identifier hash, got %q", recordDirName)
	}
	if recordDirName[len(rec.IdentifierHash)] != '-' {
		t.Fatalf("expected a '-' separator after the identifier hash, got %q", recordDirName)
	}

	downloadedPath := filepath.Join(jobDir, recordDirName, "rec1.bin")
	data, err := os.ReadFile(downloadedPath)
	if err != nil {
		t.Fatalf("expected downloaded file at %s: %v", downloadedPath, err)
	}
	if string(data) != "file contents" {
		t.Fatalf("unexpected file content: %q", data)
	}
}
