package oaiextract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const managerLogOrigin = "OAI Extraction Manager"

// ProgressFunc is invoked whenever a Job's observable state changes.
type ProgressFunc func(job *Job)

// PostHarvestFunc runs after a harvest's record-fetching phase, before the
// Job is marked complete. It receives the cancellation context so it can
// honor cooperative cancellation at its own checkpoints.
type PostHarvestFunc func(ctx context.Context, job *Job)

// FinalFunc runs once a Job has ended normally. It is not invoked when the
// Job is aborted.
type FinalFunc func(ctx context.Context, job *Job)

// RecordFilterFunc decides whether a freshly fetched Record should be kept
// (true) or moved to OmittedRecords with reason "Filter" (false).
type RecordFilterFunc func(r *Record) bool

// ExtractionManager spawns, tracks, and cancels harvest/extract Jobs.
type ExtractionManager struct {
	repo      *RepositoryClient
	collector *PayloadCollector

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	log *Logger
}

// ManagerOption configures an ExtractionManager.
type ManagerOption func(*ExtractionManager)

// WithManagerLogger overrides the Manager's own Logger.
func WithManagerLogger(l *Logger) ManagerOption {
	return func(m *ExtractionManager) { m.log = l }
}

// NewExtractionManager constructs a Manager around a RepositoryClient and
// an optional PayloadCollector (nil is valid; Extract then always fails
// with UsageError, but Harvest works regardless).
func NewExtractionManager(repo *RepositoryClient, collector *PayloadCollector, opts ...ManagerOption) *ExtractionManager {
	m := &ExtractionManager{
		repo:      repo,
		collector: collector,
		jobs:      make(map[string]*Job),
		running:   make(map[string]context.CancelFunc),
		log:       NewLogger(managerLogOrigin, nil),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// generateUniqueJobIdentifier tries seeds "0".."99" until it finds an
// identifier not already present in jobs, failing with IdentifierExhausted
// after 100 collisions.
func (m *ExtractionManager) generateUniqueJobIdentifier() (string, error) {
	for seed := 0; seed < 100; seed++ {
		id := GenerateIdentifier(strconv.Itoa(seed))
		m.jobsMu.RLock()
		_, exists := m.jobs[id]
		m.jobsMu.RUnlock()
		if !exists {
			return id, nil
		}
	}
	return "", &IdentifierExhausted{}
}

func (m *ExtractionManager) removeRunning(jobID string) {
	m.runningMu.Lock()
	delete(m.running, jobID)
	m.runningMu.Unlock()
}

func checkCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// HarvestOptions configures a Harvest call.
type HarvestOptions struct {
	// Identifiers, if non-empty, is used directly as the job's record set
	// and ListIdentifiers is never called.
	Identifiers   []string
	From          *string
	Until         *string
	SetSpec       *string
	Filter        RecordFilterFunc
	OnProgress    ProgressFunc
	OnPostHarvest PostHarvestFunc
	OnFinal       FinalFunc
	VerboseSink   io.Writer
}

// Harvest registers a new Job, spawns its worker goroutine, and returns the
// Job identifier immediately.
func (m *ExtractionManager) Harvest(metadataPrefix string, opts HarvestOptions) (string, error) {
	jobID, err := m.generateUniqueJobIdentifier()
	if err != nil {
		return "", err
	}
	job := NewJob(jobID, "harvest "+metadataPrefix)
	m.jobsMu.Lock()
	m.jobs[jobID] = job
	m.jobsMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.runningMu.Lock()
	m.running[jobID] = cancel
	m.runningMu.Unlock()

	go m.runWorker(ctx, job, metadataPrefix, opts)
	return jobID, nil
}

func (m *ExtractionManager) abortAndFinish(job *Job, verboseSink io.Writer) {
	job.End(true)
	if verboseSink != nil {
		fmt.Fprintf(verboseSink, "job %s aborted\n", job.Identifier)
	}
	m.removeRunning(job.Identifier)
}

func (m *ExtractionManager) enumerateIdentifiers(ctx context.Context, job *Job, metadataPrefix string, opts HarvestOptions) ([]string, bool) {
	var all []string
	var token *string
	for {
		ids, next, _, err := m.repo.ListIdentifiers(ListIdentifiersParams{
			MetadataPrefix: metadataPrefix,
			From:           opts.From,
			Until:          opts.Until,
			SetSpec:        opts.SetSpec,
		}, token)
		if err != nil {
			job.Log.Error("transport failure while enumerating identifiers: %v", err)
			return nil, true
		}
		if next != nil && len(ids) == 0 {
			job.Log.Error("badResumptionToken: empty identifier list returned with a non-null resumption token")
			return nil, true
		}
		for _, id := range ids {
			job.AddRecord(NewRecord(id))
		}
		all = append(all, ids...)
		if opts.OnProgress != nil {
			opts.OnProgress(job)
		}
		if checkCancelled(ctx) {
			return all, true
		}
		if next == nil {
			break
		}
		token = next
	}
	return all, false
}

func (m *ExtractionManager) runWorker(ctx context.Context, job *Job, metadataPrefix string, opts HarvestOptions) {
	job.Start()
	if opts.OnProgress != nil {
		opts.OnProgress(job)
	}

	var identifiers []string
	if len(opts.Identifiers) > 0 {
		identifiers = append(identifiers, opts.Identifiers...)
		for _, id := range identifiers {
			job.AddRecord(NewRecord(id))
		}
	} else {
		ids, aborted := m.enumerateIdentifiers(ctx, job, metadataPrefix, opts)
		if aborted {
			m.abortAndFinish(job, opts.VerboseSink)
			return
		}
		identifiers = ids
	}

	if checkCancelled(ctx) {
		m.abortAndFinish(job, opts.VerboseSink)
		return
	}

	for _, id := range identifiers {
		fetched, _, err := m.repo.GetRecord(metadataPrefix, id)
		if err != nil || fetched == nil {
			job.UpdateRecord(id, func(r *Record) { r.Complete = false })
			job.Log.Error("failed to fetch record %q", id)
		} else {
			job.UpdateRecord(id, func(r *Record) {
				r.Status = fetched.Status
				r.MetadataRaw = fetched.MetadataRaw
				r.MetadataPrefix = fetched.MetadataPrefix
				r.Complete = true
			})
			if opts.Filter != nil {
				var keep bool
				job.UpdateRecord(id, func(r *Record) { keep = opts.Filter(r) })
				if !keep {
					job.OmitRecord(id, "Filter")
				}
			}
		}
		if opts.OnProgress != nil {
			opts.OnProgress(job)
		}
		if checkCancelled(ctx) {
			m.abortAndFinish(job, opts.VerboseSink)
			return
		}
	}

	if opts.OnPostHarvest != nil {
		opts.OnPostHarvest(ctx, job)
	}
	if checkCancelled(ctx) {
		m.abortAndFinish(job, opts.VerboseSink)
		return
	}

	job.End(false)
	if opts.OnProgress != nil {
		opts.OnProgress(job)
	}
	if opts.OnFinal != nil {
		opts.OnFinal(ctx, job)
	}
	m.removeRunning(job.Identifier)
}

// ExtractOptions configures an Extract call. It mirrors HarvestOptions
// minus OnPostHarvest, which Extract supplies itself.
type ExtractOptions struct {
	Identifiers []string
	From        *string
	Until       *string
	SetSpec     *string
	Filter      RecordFilterFunc
	OnProgress  ProgressFunc
	OnFinal     FinalFunc
	VerboseSink io.Writer
}

// Extract requires a configured PayloadCollector (UsageError raised before
// any goroutine is spawned otherwise). It runs Harvest with an
// OnPostHarvest bound to URL extraction + file download into outDir, laid
// out as outDir/<job_id>/<identifier_hash>-<9-char-suffix>/<filename>.
func (m *ExtractionManager) Extract(outDir, metadataPrefix string, opts ExtractOptions) (string, error) {
	if m.collector == nil {
		return "", &UsageError{Msg: "extract requires a configured payload collector"}
	}
	harvestOpts := HarvestOptions{
		Identifiers: opts.Identifiers,
		From:        opts.From,
		Until:       opts.Until,
		SetSpec:     opts.SetSpec,
		Filter:      opts.Filter,
		OnProgress:  opts.OnProgress,
		OnFinal:     opts.OnFinal,
		VerboseSink: opts.VerboseSink,
	}
	onProgress := opts.OnProgress
	harvestOpts.OnPostHarvest = func(ctx context.Context, job *Job) {
		m.runExtractionPhase(ctx, job, outDir, onProgress)
	}
	return m.Harvest(metadataPrefix, harvestOpts)
}

func (m *ExtractionManager) runExtractionPhase(ctx context.Context, job *Job, outDir string, onProgress ProgressFunc) {
	for _, id := range job.RecordIdentifiers() {
		var extractErr error
		job.UpdateRecord(id, func(r *Record) {
			extractErr = m.collector.DownloadRecordPayload(r, "", true, true)
		})
		if extractErr != nil {
			job.Log.Error("URL extraction failed for record %q: %v", id, extractErr)
		}
		if onProgress != nil {
			onProgress(job)
		}
		if ctx.Err() != nil {
			return
		}
	}

	snapshot := job.Snapshot()
	hasFiles := false
	for _, r := range snapshot {
		if len(r.Files) > 0 {
			hasFiles = true
			break
		}
	}
	if !hasFiles {
		return
	}

	jobDir := filepath.Join(outDir, job.Identifier)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		job.Log.Error("failed to create job directory %s: %v", jobDir, err)
		return
	}

	for _, r := range snapshot {
		if len(r.Files) == 0 {
			continue
		}
		recordDir := allocateRecordDir(jobDir, r.IdentifierHash)
		if err := os.Mkdir(recordDir, 0o755); err != nil {
			job.Log.Error("failed to create record directory %s: %v", recordDir, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		job.UpdateRecord(r.Identifier, func(rec *Record) { rec.Path = recordDir })

		for _, f := range r.Files {
			identifier := f.Identifier
			p, err := m.collector.DownloadFile(recordDir, f.URL, "")
			complete := err == nil
			if err != nil {
				job.Log.Error("failed to download %s: %v", f.URL, err)
			}
			job.UpdateRecord(r.Identifier, func(rec *Record) {
				idx := -1
				for k := range rec.Files {
					if rec.Files[k].Identifier == identifier {
						idx = k
						break
					}
				}
				if idx >= 0 {
					rec.Files[idx].Complete = complete
					if complete {
						rec.Files[idx].Path = p
					}
				}
			})
		}
		if onProgress != nil {
			onProgress(job)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// allocateRecordDir finds the next free "<hash>-<9-char-suffix>" directory
// name under jobDir, trying suffixes derived from incrementing seeds.
func allocateRecordDir(jobDir, identifierHash string) string {
	for seed := 0; ; seed++ {
		suffix := GenerateIdentifier(strconv.Itoa(seed))[:9]
		candidate := filepath.Join(jobDir, identifierHash+"-"+suffix)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// AbortJob sets the cancel signal for jobID, if it is currently running,
// and removes it from the running set. It is a no-op if jobID is not
// running.
func (m *ExtractionManager) AbortJob(jobID string) {
	m.runningMu.Lock()
	cancel, ok := m.running[jobID]
	if ok {
		delete(m.running, jobID)
	}
	m.runningMu.Unlock()
	if ok {
		cancel()
		m.log.Info("aborted job %s", jobID)
	}
}

// GetJob returns the Job for jobID, or nil if unknown.
func (m *ExtractionManager) GetJob(jobID string) *Job {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	return m.jobs[jobID]
}

// ListJobs returns the identifiers of every Job the Manager knows about.
func (m *ExtractionManager) ListJobs() []string {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}
