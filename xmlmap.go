package oaiextract

import (
	"fmt"

	"github.com/clbanning/mxj/v2"
)

// decodeXMLToMap decodes an XML document into a generic nested mapping,
// the Go analogue of Python's xmltodict.parse used by the original
// implementation for verbs whose response shape is repository-specific
// (Identify, ListMetadataFormats, ListSets).
func decodeXMLToMap(body []byte) (map[string]any, error) {
	m, err := mxj.NewMapXml(body)
	if err != nil {
		return nil, fmt.Errorf("decode xml to map: %w", err)
	}
	return map[string]any(m), nil
}

// mapGet descends into a nested map[string]any by successive keys,
// returning (value, true) if the full path resolves, else (nil, false).
func mapGet(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, k := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[k]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// asSliceOfMaps normalizes a decoded element that may be a single
// map[string]any or a []any of maps (mxj's representation of repeated
// sibling elements) into a slice.
func asSliceOfMaps(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// textOf extracts the string content of a decoded element value, whether it
// was decoded as a bare string (no attributes) or a map carrying "#text"
// alongside attribute keys.
func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if text, ok := t["#text"]; ok {
			if s, ok := text.(string); ok {
				return s
			}
		}
	}
	return ""
}

// stringField reads a child element's text content as a string, whether
// that child was decoded as a bare string or a map with "#text".
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	return textOf(v)
}

// findOAIError looks for an <error code="..."> element anywhere directly
// under the OAI-PMH root and, if present, returns the corresponding
// OAIProtocolError.
func findOAIError(m map[string]any) *OAIProtocolError {
	root, ok := mapGet(m, "OAI-PMH")
	if !ok {
		return nil
	}
	rootMap, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	errVal, ok := rootMap["error"]
	if !ok {
		return nil
	}
	errMap, _ := errVal.(map[string]any)
	code := ""
	if errMap != nil {
		if c, ok := errMap["-code"].(string); ok {
			code = c
		}
	}
	return &OAIProtocolError{Code: code, Text: textOf(errVal)}
}

// extractMetadataFormats reads the ListMetadataFormats verb's
// <metadataFormat> children into simple string maps.
func extractMetadataFormats(m map[string]any) []map[string]string {
	v, ok := mapGet(m, "OAI-PMH", "ListMetadataFormats", "metadataFormat")
	if !ok {
		return nil
	}
	var out []map[string]string
	for _, entry := range asSliceOfMaps(v) {
		out = append(out, map[string]string{
			"metadataPrefix":    stringField(entry, "metadataPrefix"),
			"schema":            stringField(entry, "schema"),
			"metadataNamespace": stringField(entry, "metadataNamespace"),
		})
	}
	return out
}

// extractSets reads the ListSets verb's <set> children into simple string
// maps, preserving any additional fields (e.g. setDescription) as text.
func extractSets(m map[string]any) []map[string]string {
	v, ok := mapGet(m, "OAI-PMH", "ListSets", "set")
	if !ok {
		return nil
	}
	var out []map[string]string
	for _, entry := range asSliceOfMaps(v) {
		rec := map[string]string{
			"setSpec": stringField(entry, "setSpec"),
			"setName": stringField(entry, "setName"),
		}
		if _, has := entry["setDescription"]; has {
			rec["setDescription"] = stringField(entry, "setDescription")
		}
		out = append(out, rec)
	}
	return out
}

// extractResumptionTokenFromMap reads the ListSets verb's resumptionToken,
// following the same absent/bare-string/attributed-element rule as the
// typed ListIdentifiers path (§4.1).
func extractResumptionTokenFromMap(m map[string]any, listKey string) *string {
	v, ok := mapGet(m, "OAI-PMH", listKey, "resumptionToken")
	if !ok {
		return nil
	}
	text := textOf(v)
	if text == "" {
		return nil
	}
	return &text
}
