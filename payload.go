package oaiextract

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const payloadLogOrigin = "Payload Collector"

// PayloadCollector derives transfer URLs from record metadata via a
// pluggable filter pipeline and downloads the resulting files with retry.
type PayloadCollector struct {
	filters []TransferURLFilter

	httpClient    *http.Client
	foreignClient bool
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	retryStatuses map[int]struct{}
	userAgent     string

	log         *Logger
	verboseSink io.Writer

	singleFilterSet bool
	filterListSet   bool
}

// PayloadCollectorOption configures a PayloadCollector.
type PayloadCollectorOption func(*PayloadCollector)

// WithFilter supplies the single Transfer-URL Filter to use. Mutually
// exclusive with WithFilters.
func WithFilter(f TransferURLFilter) PayloadCollectorOption {
	return func(pc *PayloadCollector) {
		pc.filters = []TransferURLFilter{f}
		pc.singleFilterSet = true
	}
}

// WithFilters supplies an ordered list of Transfer-URL Filters, each run in
// turn during extract_urls. Mutually exclusive with WithFilter.
func WithFilters(fs []TransferURLFilter) PayloadCollectorOption {
	return func(pc *PayloadCollector) {
		pc.filters = fs
		pc.filterListSet = true
	}
}

// WithCollectorTimeout sets the per-HTTP-call timeout for file downloads.
func WithCollectorTimeout(d time.Duration) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.timeout = d }
}

// WithCollectorHTTPClient overrides the http.Client used for downloads.
func WithCollectorHTTPClient(c *http.Client) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.httpClient = c; pc.foreignClient = true }
}

// WithMaxRetries sets the retry budget: up to 1+maxRetries total attempts.
func WithMaxRetries(n int) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.maxRetries = n }
}

// WithRetryInterval sets the sleep between retry attempts.
func WithRetryInterval(d time.Duration) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.retryInterval = d }
}

// WithRetryOnHTTPStatus replaces the default retryable status set ({429,503}).
func WithRetryOnHTTPStatus(statuses ...int) PayloadCollectorOption {
	return func(pc *PayloadCollector) {
		m := make(map[int]struct{}, len(statuses))
		for _, s := range statuses {
			m[s] = struct{}{}
		}
		pc.retryStatuses = m
	}
}

// WithUserAgent sets the outbound User-Agent header for downloads.
func WithUserAgent(ua string) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.userAgent = ua }
}

// WithCollectorVerboseSink overrides where failed-attempt lines are written
// (os.Stderr by default, in addition to the ERROR log entries).
func WithCollectorVerboseSink(w io.Writer) PayloadCollectorOption {
	return func(pc *PayloadCollector) { pc.verboseSink = w }
}

// NewPayloadCollector constructs a PayloadCollector. Exactly one of
// WithFilter / WithFilters must be supplied; any other combination is a
// construction-time UsageError.
func NewPayloadCollector(opts ...PayloadCollectorOption) (*PayloadCollector, error) {
	pc := &PayloadCollector{
		maxRetries:    1,
		retryInterval: time.Second,
		retryStatuses: map[int]struct{}{429: {}, 503: {}},
		log:           NewLogger(payloadLogOrigin, nil),
		verboseSink:   os.Stderr,
	}
	for _, o := range opts {
		o(pc)
	}
	if pc.singleFilterSet == pc.filterListSet {
		return nil, &UsageError{Msg: "exactly one of WithFilter or WithFilters must be supplied"}
	}
	if pc.httpClient == nil {
		pc.httpClient = &http.Client{}
	}
	if !pc.foreignClient && pc.timeout > 0 {
		pc.httpClient.Timeout = pc.timeout
	}
	return pc, nil
}

// Log returns the collector's inspectable log.
func (pc *PayloadCollector) Log() *Logger { return pc.log }

// ExtractURLs (re)derives record.Files from record.MetadataRaw by running
// every configured filter in order. It runs only if renew is true or the
// record currently has no files.
func (pc *PayloadCollector) ExtractURLs(record *Record, renew bool) error {
	if !renew && len(record.Files) != 0 {
		return nil
	}
	record.Files = nil
	var all []string
	for _, f := range pc.filters {
		urls, err := f(record.MetadataRaw)
		if err != nil {
			var fse *FilterSyntaxError
			if errors.As(err, &fse) && strings.Contains(fse.Msg, "not found in prefix map") {
				pc.log.Error("%s", fse.Error())
				continue
			}
			return err
		}
		all = append(all, urls...)
	}
	deduped := dedupePreserveOrder(all)
	if len(deduped) == 0 {
		pc.log.Warn("no transfer URLs found for record %q", record.Identifier)
	} else {
		pc.log.Info("extracted URLs for record %q: %v", record.Identifier, deduped)
	}
	record.RegisterFilesByURL(deduped)
	return nil
}

func (pc *PayloadCollector) isRetryableStatus(code int) bool {
	_, ok := pc.retryStatuses[code]
	return ok
}

// resolveFilename applies the priority order: caller override ->
// Content-Disposition header filename -> URL-path basename (percent-decoded).
func resolveFilename(override string, header http.Header, rawURL string) string {
	if override != "" {
		return override
	}
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return fn
			}
		}
	}
	base := "download"
	if u, err := url.Parse(rawURL); err == nil {
		b := path.Base(u.Path)
		if b != "" && b != "." && b != "/" {
			base = b
		}
	}
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	return base
}

func splitExt(filename string) (stem, suffix string) {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext), ext
}

// resolveCollisionFreeName preserves the filename-collision loop's
// documented quirk: the candidate probed on each retry is recomputed from
// the original stem/suffix but never substituted for the name actually
// checked against the directory, so the loop either succeeds immediately
// (no collision on the original name) or exhausts all 10 probes and raises
// CollisionError — it never "finds" an alternative name. See DESIGN.md
// Open Question 1.
func resolveCollisionFreeName(dir, filename string) (string, error) {
	stem, suffix := splitExt(filename)
	target := filepath.Join(dir, filename)
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			return filename, nil
		}
		_ = fmt.Sprintf("%s_%d%s", stem, i, suffix)
	}
	return "", &CollisionError{Dir: dir, Filename: filename}
}

// DownloadFile fetches rawURL and writes its body to dir under a resolved,
// collision-free filename, retrying per the configured policy. filename, if
// non-empty, overrides header/URL-derived name resolution.
func (pc *PayloadCollector) DownloadFile(dir, rawURL, filename string) (string, error) {
	attempts := 1 + pc.maxRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return "", &TransportError{Op: "build request", Err: err}
		}
		if pc.userAgent != "" {
			req.Header.Set("User-Agent", pc.userAgent)
		}
		resp, err := pc.httpClient.Do(req)
		if err != nil {
			lastErr = &TransportError{Op: "download " + rawURL, Err: err}
			pc.logFailedAttempt(attempt, rawURL, lastErr)
			if attempt < attempts {
				time.Sleep(pc.retryInterval)
				continue
			}
			return "", lastErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			retryable := pc.isRetryableStatus(resp.StatusCode)
			resp.Body.Close()
			statusErr := &TransportError{Op: "download " + rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
			if !retryable {
				pc.logFailedAttempt(attempt, rawURL, statusErr)
				return "", statusErr
			}
			lastErr = statusErr
			pc.logFailedAttempt(attempt, rawURL, statusErr)
			if attempt < attempts {
				time.Sleep(pc.retryInterval)
				continue
			}
			return "", lastErr
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", &TransportError{Op: "read response body", Err: err}
		}
		resolved := resolveFilename(filename, resp.Header, rawURL)
		finalName, err := resolveCollisionFreeName(dir, resolved)
		if err != nil {
			return "", err
		}
		outPath := filepath.Join(dir, finalName)
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return "", &TransportError{Op: "write file", Err: err}
		}
		return outPath, nil
	}
	return "", lastErr
}

func (pc *PayloadCollector) logFailedAttempt(attempt int, rawURL string, err error) {
	pc.log.Error("download attempt %d for %s failed: %v", attempt, rawURL, err)
	fmt.Fprintf(pc.verboseSink, "ERROR downloading %s (attempt %d): %v\n", rawURL, attempt, err)
}

func isMissingResourceErr(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		if errors.Is(te.Err, os.ErrNotExist) {
			return true
		}
		if strings.Contains(te.Err.Error(), "404") {
			return true
		}
	}
	return errors.Is(err, os.ErrNotExist)
}

// DownloadRecordPayload runs ExtractURLs, then (unless skipDownload)
// downloads every file in record.Files into dir, in order.
func (pc *PayloadCollector) DownloadRecordPayload(record *Record, dir string, renew, skipDownload bool) error {
	if err := pc.ExtractURLs(record, renew); err != nil {
		return err
	}
	if skipDownload {
		return nil
	}
	if dir == "" {
		return &UsageError{Msg: "download_record_payload requires dir when skip_download is false"}
	}
	for i := range record.Files {
		f := &record.Files[i]
		p, err := pc.DownloadFile(dir, f.URL, "")
		if err != nil {
			if isMissingResourceErr(err) {
				pc.log.Error("failed to download %s: %v", f.URL, err)
				f.Complete = false
				continue
			}
			return err
		}
		f.Path = p
		f.Complete = true
	}
	return nil
}
