package oaiextract

import (
	"crypto/md5"
	"encoding/hex"
)

// File is a single payload file referenced by a Record's metadata.
type File struct {
	// Identifier distinguishes Files within a Record; it defaults to URL.
	// Two Files are equal iff their identifiers are equal.
	Identifier string
	URL        string
	// Path is set once the file has been downloaded successfully.
	Path     string
	Complete bool
}

// Record is the per-item unit of work harvested from an OAI-PMH repository.
type Record struct {
	Identifier     string
	IdentifierHash string
	Status         string
	MetadataPrefix string
	MetadataRaw    string
	Files          []File
	Path           string
	Complete       bool
}

// NewRecord builds a placeholder Record for the given identifier, computing
// IdentifierHash per spec: lowercase hex MD5 of the UTF-8 identifier bytes.
func NewRecord(identifier string) Record {
	return Record{
		Identifier:     identifier,
		IdentifierHash: identifierHash(identifier),
	}
}

func identifierHash(identifier string) string {
	sum := md5.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// fileIndex returns the index of the File with the given identifier, or -1.
func (r *Record) fileIndex(identifier string) int {
	for i := range r.Files {
		if r.Files[i].Identifier == identifier {
			return i
		}
	}
	return -1
}

// AddFile appends a new File unless one with the same identifier already
// exists, in which case it is a no-op. Returns true if the file was added.
func (r *Record) AddFile(f File) bool {
	if f.Identifier == "" {
		f.Identifier = f.URL
	}
	if r.fileIndex(f.Identifier) >= 0 {
		return false
	}
	r.Files = append(r.Files, f)
	return true
}

// RemoveFile removes the File with the given identifier, returning true if
// one was found and removed.
func (r *Record) RemoveFile(identifier string) bool {
	idx := r.fileIndex(identifier)
	if idx < 0 {
		return false
	}
	r.Files = append(r.Files[:idx], r.Files[idx+1:]...)
	return true
}

// RegisterFilesByURL adds one File per URL not already represented by an
// existing File's identifier (identifier defaults to URL, so this is
// effectively a de-duplicating append). Order of first appearance is kept.
func (r *Record) RegisterFilesByURL(urls []string) {
	for _, u := range urls {
		if u == "" {
			continue
		}
		r.AddFile(File{Identifier: u, URL: u})
	}
}
