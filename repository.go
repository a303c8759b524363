package oaiextract

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const repositoryLogOrigin = "OAI Repository Interface"

// RepositoryOption configures a RepositoryClient.
type RepositoryOption func(*RepositoryClient)

// WithHTTPClient overrides the http.Client used for all requests.
func WithHTTPClient(c *http.Client) RepositoryOption {
	return func(rc *RepositoryClient) { rc.httpClient = c }
}

// WithTimeout sets a per-request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) RepositoryOption {
	return func(rc *RepositoryClient) { rc.timeout = d }
}

// WithVerboseSink mirrors every call's log entries to w in addition to
// keeping them in memory.
func WithVerboseSink(w io.Writer) RepositoryOption {
	return func(rc *RepositoryClient) { rc.sink = w }
}

// RepositoryClient is a stateless-per-call OAI-PMH v2.0 verb executor.
type RepositoryClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	sink       io.Writer
}

// NewRepositoryClient constructs a client targeting baseURL.
func NewRepositoryClient(baseURL string, opts ...RepositoryOption) *RepositoryClient {
	rc := &RepositoryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

// callOptions configures the log-discipline of a single verb call.
type callOptions struct {
	log         *Logger
	preserveLog bool
}

// CallOption configures how a single verb call treats its Logger.
type CallOption func(*callOptions)

// WithCallLogger supplies the Logger a call should append to, instead of
// creating a fresh one. Useful for accumulating diagnostics across an
// exhaustive listing sequence.
func WithCallLogger(l *Logger) CallOption {
	return func(o *callOptions) { o.log = l }
}

// WithPreserveLog suppresses the usual clear-log-at-entry behavior.
func WithPreserveLog() CallOption {
	return func(o *callOptions) { o.preserveLog = true }
}

func (rc *RepositoryClient) prepareLog(opts []CallOption, isContinuation bool) *Logger {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	log := co.log
	if log == nil {
		log = NewLogger(repositoryLogOrigin, rc.sink)
	}
	if !co.preserveLog && !isContinuation {
		log.Clear()
	}
	return log
}

// resumptionTokenXML captures the three-way parse of a <resumptionToken>
// element: absent (nil pointer), a bare string (Text set, no attrs), or an
// attributed element whose text may be missing or empty (treated as null
// via value()).
type resumptionTokenXML struct {
	Text             string `xml:",chardata"`
	Cursor           *int   `xml:"cursor,attr"`
	CompleteListSize *int   `xml:"completeListSize,attr"`
}

func (r *resumptionTokenXML) value() *string {
	if r == nil || r.Text == "" {
		return nil
	}
	v := r.Text
	return &v
}

type headerXML struct {
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	Status     string   `xml:"status,attr"`
	SetSpec    []string `xml:"setSpec"`
}

type errorXML struct {
	Code string `xml:"code,attr"`
	Text string `xml:",chardata"`
}

type listIdentifiersXML struct {
	Headers         []headerXML         `xml:"header"`
	ResumptionToken *resumptionTokenXML `xml:"resumptionToken"`
}

type getRecordXML struct {
	Header headerXML `xml:"header"`
}

type envelopeXML struct {
	XMLName         xml.Name             `xml:"OAI-PMH"`
	Error           *errorXML            `xml:"error"`
	ListIdentifiers *listIdentifiersXML  `xml:"ListIdentifiers"`
	GetRecord       *getRecordXML        `xml:"GetRecord"`
}

// buildURL implements the exclusivity rule of spec.md §4.1: if
// resumptionToken is non-null it is the only parameter sent besides verb.
func buildURL(base, verb string, resumptionToken *string, metadataPrefix string, from, until, setSpec *string, extra map[string]string) string {
	q := url.Values{}
	q.Set("verb", verb)
	if resumptionToken != nil {
		q.Set("resumptionToken", *resumptionToken)
	} else {
		if metadataPrefix != "" {
			q.Set("metadataPrefix", metadataPrefix)
		}
		if from != nil {
			q.Set("from", *from)
		}
		if until != nil {
			q.Set("until", *until)
		}
		if setSpec != nil {
			q.Set("set", *setSpec)
		}
		for k, v := range extra {
			q.Set(k, v)
		}
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func (rc *RepositoryClient) get(reqURL string) ([]byte, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if rc.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "send request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Op: "send request", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read response body", Err: err}
	}
	return body, nil
}

// Identify returns the parsed XML response as a nested mapping.
func (rc *RepositoryClient) Identify(opts ...CallOption) (map[string]any, *Logger, error) {
	log := rc.prepareLog(opts, false)
	reqURL := buildURL(rc.baseURL, "Identify", nil, "", nil, nil, nil, nil)
	body, err := rc.get(reqURL)
	if err != nil {
		return nil, log, err
	}
	m, err := decodeXMLToMap(body)
	if err != nil {
		return nil, log, err
	}
	return m, log, nil
}

// ListMetadataFormats returns the repository's supported metadata formats.
// An OAI-PMH <error> response yields an empty slice with the error logged.
func (rc *RepositoryClient) ListMetadataFormats(opts ...CallOption) ([]map[string]string, *Logger, error) {
	log := rc.prepareLog(opts, false)
	reqURL := buildURL(rc.baseURL, "ListMetadataFormats", nil, "", nil, nil, nil, nil)
	body, err := rc.get(reqURL)
	if err != nil {
		return nil, log, err
	}
	m, err := decodeXMLToMap(body)
	if err != nil {
		return nil, log, err
	}
	if oerr := findOAIError(m); oerr != nil {
		log.Error("%s", oerr.Error())
		return nil, log, nil
	}
	return extractMetadataFormats(m), log, nil
}

// ListMetadataPrefixes is the metadataPrefix projection of
// ListMetadataFormats.
func (rc *RepositoryClient) ListMetadataPrefixes(opts ...CallOption) ([]string, *Logger, error) {
	formats, log, err := rc.ListMetadataFormats(opts...)
	if err != nil {
		return nil, log, err
	}
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		out = append(out, f["metadataPrefix"])
	}
	return out, log, nil
}

// ListIdentifiersParams groups the selective-harvesting parameters shared by
// ListIdentifiers, ListIdentifiersExhaustive, and ListRecords.
type ListIdentifiersParams struct {
	MetadataPrefix string
	From           *string
	Until          *string
	SetSpec        *string
}

// ListIdentifiers returns a page of identifiers and the next resumption
// token (nil if the list is exhausted). If resumptionToken is non-nil, it
// is the only query parameter sent besides verb and params is ignored.
func (rc *RepositoryClient) ListIdentifiers(params ListIdentifiersParams, resumptionToken *string, opts ...CallOption) ([]string, *string, *Logger, error) {
	log := rc.prepareLog(opts, resumptionToken != nil)
	reqURL := buildURL(rc.baseURL, "ListIdentifiers", resumptionToken, params.MetadataPrefix, params.From, params.Until, params.SetSpec, nil)
	body, err := rc.get(reqURL)
	if err != nil {
		return nil, nil, log, err
	}
	var env envelopeXML
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, nil, log, fmt.Errorf("parse ListIdentifiers response: %w", err)
	}
	if env.Error != nil {
		log.Error("%s", (&OAIProtocolError{Code: env.Error.Code, Text: env.Error.Text}).Error())
		return []string{}, resumptionToken, log, nil
	}
	if env.ListIdentifiers == nil {
		return []string{}, nil, log, nil
	}
	ids := make([]string, 0, len(env.ListIdentifiers.Headers))
	for _, h := range env.ListIdentifiers.Headers {
		ids = append(ids, h.Identifier)
	}
	return ids, env.ListIdentifiers.ResumptionToken.value(), log, nil
}

// ListIdentifiersExhaustive repeats ListIdentifiers following the
// resumption token until it is nil, concatenating identifiers.
// maxResumptionTokens <= 0 means unlimited.
func (rc *RepositoryClient) ListIdentifiersExhaustive(params ListIdentifiersParams, maxResumptionTokens int, opts ...CallOption) ([]string, *Logger, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	log := co.log
	if log == nil {
		log = NewLogger(repositoryLogOrigin, rc.sink)
	}
	callOpts := []CallOption{WithCallLogger(log)}

	var all []string
	var token *string
	processed := 0
	for {
		ids, next, _, err := rc.ListIdentifiers(params, token, callOpts...)
		if err != nil {
			return nil, log, err
		}
		all = append(all, ids...)
		if next == nil {
			break
		}
		processed++
		if maxResumptionTokens > 0 && processed > maxResumptionTokens {
			return nil, log, &TokenLimitExceeded{Limit: maxResumptionTokens, Processed: processed}
		}
		token = next
	}
	return all, log, nil
}

// ListIdentifiersExhaustiveMultipleSets returns the de-duplicated union of
// ListIdentifiersExhaustive over each set in setSpecs. If setSpecs is empty,
// behaves as the single-set exhaustive form using params.SetSpec.
func (rc *RepositoryClient) ListIdentifiersExhaustiveMultipleSets(params ListIdentifiersParams, setSpecs []string, maxResumptionTokens int, opts ...CallOption) ([]string, *Logger, error) {
	if len(setSpecs) == 0 {
		return rc.ListIdentifiersExhaustive(params, maxResumptionTokens, opts...)
	}
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	log := co.log
	if log == nil {
		log = NewLogger(repositoryLogOrigin, rc.sink)
	}
	seen := make(map[string]struct{})
	var union []string
	for _, set := range setSpecs {
		p := params
		p.SetSpec = &set
		ids, _, err := rc.ListIdentifiersExhaustive(p, maxResumptionTokens, WithCallLogger(log), WithPreserveLog())
		if err != nil {
			return nil, log, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				union = append(union, id)
			}
		}
	}
	return union, log, nil
}

// ListSets returns a page of set descriptors and the next resumption token.
func (rc *RepositoryClient) ListSets(resumptionToken *string, opts ...CallOption) ([]map[string]string, *string, *Logger, error) {
	log := rc.prepareLog(opts, resumptionToken != nil)
	reqURL := buildURL(rc.baseURL, "ListSets", resumptionToken, "", nil, nil, nil, nil)
	body, err := rc.get(reqURL)
	if err != nil {
		return nil, nil, log, err
	}
	m, err := decodeXMLToMap(body)
	if err != nil {
		return nil, nil, log, err
	}
	if oerr := findOAIError(m); oerr != nil {
		log.Error("%s", oerr.Error())
		return []map[string]string{}, resumptionToken, log, nil
	}
	return extractSets(m), extractResumptionTokenFromMap(m, "ListSets"), log, nil
}

// GetRecord fetches a single record's metadata. metadata_raw is set to the
// verbatim response body. Returns nil on an OAI-PMH <error> response.
func (rc *RepositoryClient) GetRecord(metadataPrefix, identifier string, opts ...CallOption) (*Record, *Logger, error) {
	log := rc.prepareLog(opts, false)
	reqURL := buildURL(rc.baseURL, "GetRecord", nil, metadataPrefix, nil, nil, nil, map[string]string{"identifier": identifier})
	body, err := rc.get(reqURL)
	if err != nil {
		return nil, log, err
	}
	var env envelopeXML
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, log, fmt.Errorf("parse GetRecord response: %w", err)
	}
	if env.Error != nil {
		log.Error("%s", (&OAIProtocolError{Code: env.Error.Code, Text: env.Error.Text}).Error())
		return nil, log, nil
	}
	status := ""
	if env.GetRecord != nil {
		status = env.GetRecord.Header.Status
	}
	rec := NewRecord(identifier)
	rec.Status = status
	rec.MetadataPrefix = metadataPrefix
	rec.MetadataRaw = string(body)
	rec.Complete = true
	return &rec, log, nil
}

// ListRecords is implemented as ListIdentifiers followed by GetRecord per
// identifier (deliberately not the ListRecords verb; see spec.md §9). If
// any GetRecord call returns nil, the whole call fails fast and returns the
// resumption token that was passed in.
func (rc *RepositoryClient) ListRecords(params ListIdentifiersParams, resumptionToken *string, opts ...CallOption) ([]Record, *string, *Logger, error) {
	log := rc.prepareLog(opts, resumptionToken != nil)
	ids, next, _, err := rc.ListIdentifiers(params, resumptionToken, WithCallLogger(log), WithPreserveLog())
	if err != nil {
		return nil, resumptionToken, log, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, _, err := rc.GetRecord(params.MetadataPrefix, id, WithCallLogger(log), WithPreserveLog())
		if err != nil {
			return nil, resumptionToken, log, err
		}
		if rec == nil {
			return []Record{}, resumptionToken, log, nil
		}
		records = append(records, *rec)
	}
	return records, next, log, nil
}
