package oaiextract

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	notStarted   = "not started"
	notCompleted = "not completed"
	jobLogOrigin = "OAI JOB"
)

const timestampLayout = "2006-01-02 15:04:05"

// GenerateIdentifier produces a Job identifier: the SHA-256 hex digest of
// the UTF-8 bytes of seed concatenated with the current UTC instant
// formatted as "YYYY-MM-DD HH:MM:SS.ffffff". The abbreviated form is its
// first 6 characters; the Extraction Manager's record-directory suffixes use
// the first 9 characters instead.
func GenerateIdentifier(seed string) string {
	stamp := time.Now().UTC().Format("2006-01-02 15:04:05.000000")
	sum := sha256.Sum256([]byte(seed + stamp))
	return hex.EncodeToString(sum[:])
}

// AbbreviatedIdentifier returns the first 6 characters of a Job identifier.
func AbbreviatedIdentifier(id string) string {
	if len(id) < 6 {
		return id
	}
	return id[:6]
}

// Job is a mutable, observable record of one harvest/extract run.
type Job struct {
	mu sync.Mutex

	Identifier     string
	Description    string
	Records        []Record
	OmittedRecords []Record

	Running  bool
	Paused   bool
	Complete bool

	CreationDatetime string
	StartDatetime    string
	CompleteDatetime string

	Log *Logger
}

// NewJob creates a fresh, un-started Job with the given identifier and
// description.
func NewJob(identifier, description string) *Job {
	return &Job{
		Identifier:       identifier,
		Description:      description,
		CreationDatetime: time.Now().UTC().Format(timestampLayout),
		StartDatetime:    notStarted,
		CompleteDatetime: notCompleted,
		Log:              NewLogger(jobLogOrigin, nil),
	}
}

// Start transitions the Job to running if it is neither running nor paused.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Running || j.Paused {
		j.Log.Error("cannot start: job is already running or paused")
		return
	}
	j.Running = true
	j.StartDatetime = time.Now().UTC().Format(timestampLayout)
	j.Log.Info("Started")
}

// Pause transitions a running Job to paused.
func (j *Job) Pause() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.Running {
		j.Log.Error("cannot pause: job is not running")
		return
	}
	j.Running = false
	j.Paused = true
	j.Log.Info("Paused")
}

// Resume transitions a paused Job back to running.
func (j *Job) Resume() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.Paused {
		j.Log.Error("cannot resume: job is not paused")
		return
	}
	j.Paused = false
	j.Running = true
	j.Log.Info("Resumed")
}

// End terminates the Job. abort=false marks it complete; abort=true marks
// it incomplete (aborted). End always succeeds.
func (j *Job) End(abort bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Complete = !abort
	j.Running = false
	j.Paused = false
	j.CompleteDatetime = time.Now().UTC().Format(timestampLayout)
	if abort {
		j.Log.Info("Abort")
	} else {
		j.Log.Info("Done")
	}
}

// UpdateRecord locates the Record with the given identifier in Records and
// applies mutate to it in place under the Job's lock. Returns false if no
// such record exists.
func (j *Job) UpdateRecord(identifier string, mutate func(*Record)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := recordIndex(j.Records, identifier)
	if idx < 0 {
		return false
	}
	mutate(&j.Records[idx])
	return true
}

// RecordIdentifiers returns the identifiers currently in Records, in order.
func (j *Job) RecordIdentifiers() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.Records))
	for i, r := range j.Records {
		out[i] = r.Identifier
	}
	return out
}

// Snapshot returns a copy of Records as it stands at the time of the call.
func (j *Job) Snapshot() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.Records))
	copy(out, j.Records)
	return out
}

func recordIndex(records []Record, identifier string) int {
	for i := range records {
		if records[i].Identifier == identifier {
			return i
		}
	}
	return -1
}

// AddRecord appends r to Records unless its identifier already appears
// there. Returns whether it was added.
func (j *Job) AddRecord(r Record) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if recordIndex(j.Records, r.Identifier) >= 0 {
		j.Log.Error("record %q already present, not added", r.Identifier)
		return false
	}
	j.Records = append(j.Records, r)
	return true
}

// AddOmittedRecord appends r to OmittedRecords unless its identifier
// already appears there.
func (j *Job) AddOmittedRecord(r Record, reason string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if recordIndex(j.OmittedRecords, r.Identifier) >= 0 {
		j.Log.Error("omitted record %q already present, not added", r.Identifier)
		return false
	}
	j.OmittedRecords = append(j.OmittedRecords, r)
	if reason != "" {
		j.Log.Info("Omitted record %q: %s", r.Identifier, reason)
	} else {
		j.Log.Info("Omitted record %q", r.Identifier)
	}
	return true
}

// OmitRecord moves the record with the given identifier from Records to
// OmittedRecords, returning false if no such record exists.
func (j *Job) OmitRecord(identifier string, reason string) bool {
	j.mu.Lock()
	idx := recordIndex(j.Records, identifier)
	if idx < 0 {
		j.mu.Unlock()
		j.Log.Error("cannot omit %q: not found in records", identifier)
		return false
	}
	r := j.Records[idx]
	j.Records = append(j.Records[:idx], j.Records[idx+1:]...)
	j.mu.Unlock()
	return j.AddOmittedRecord(r, reason)
}
