package oaiextract

import (
	"bytes"
	"encoding/xml"
	"io"
	"regexp"
	"strings"
)

// TransferURLFilter is a pure function mapping raw record metadata to the
// list of payload URLs it references. An empty metadataRaw yields an empty
// slice. Shared contract across every factory below: empty-string matches
// are discarded, and every regex capture group contributes one URL (the
// full match counts when the pattern has no groups).
type TransferURLFilter func(metadataRaw string) ([]string, error)

func applyRegexContract(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if len(m) > 1 {
			for _, g := range m[1:] {
				if g != "" {
					out = append(out, g)
				}
			}
		} else if m[0] != "" {
			out = append(out, m[0])
		}
	}
	return out
}

// ByRegex applies pattern to the entire raw XML document.
func ByRegex(pattern string) TransferURLFilter {
	re := regexp.MustCompile(pattern)
	return func(metadataRaw string) ([]string, error) {
		if metadataRaw == "" {
			return nil, nil
		}
		return applyRegexContract(re, metadataRaw), nil
	}
}

// xmlNode is a minimal generic XML tree used by the two structural filter
// factories below.
type xmlNode struct {
	LocalName string
	Namespace string
	Text      string
	Children  []*xmlNode
}

// parseXMLTree parses data into a generic tree and, alongside it, harvests
// every declared namespace prefix found anywhere in the document (mapping
// the empty prefix to the default namespace's URI, or "" if none declared).
func parseXMLTree(data []byte) (*xmlNode, map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	nsmap := map[string]string{"": ""}
	var root *xmlNode
	var stack []*xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{LocalName: t.Name.Local, Namespace: t.Name.Space}
			for _, a := range t.Attr {
				switch {
				case a.Name.Space == "xmlns":
					nsmap[a.Name.Local] = a.Value
				case a.Name.Space == "" && a.Name.Local == "xmlns":
					nsmap[""] = a.Value
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			} else {
				root = node
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	return root, nsmap, nil
}

// ByRegexInXMLPath parses the XML to a tree, descends by the given
// element-name path (the root segment is path[0]), flattening
// string-or-list values at each step, and applies pattern to every
// resulting text node.
func ByRegexInXMLPath(pattern string, path []string) TransferURLFilter {
	re := regexp.MustCompile(pattern)
	return func(metadataRaw string) ([]string, error) {
		if metadataRaw == "" || len(path) == 0 {
			return nil, nil
		}
		root, _, err := parseXMLTree([]byte(metadataRaw))
		if err != nil {
			return nil, err
		}
		if root == nil || root.LocalName != path[0] {
			return nil, nil
		}
		current := []*xmlNode{root}
		for _, seg := range path[1:] {
			var next []*xmlNode
			for _, n := range current {
				for _, c := range n.Children {
					if c.LocalName == seg {
						next = append(next, c)
					}
				}
			}
			current = next
			if len(current) == 0 {
				break
			}
		}
		var out []string
		for _, n := range current {
			out = append(out, applyRegexContract(re, n.Text)...)
		}
		return out, nil
	}
}

func splitPrefix(segment string) (prefix, local string) {
	idx := strings.IndexByte(segment, ':')
	if idx < 0 {
		return "", segment
	}
	return segment[:idx], segment[idx+1:]
}

type pathStep struct {
	uri   string
	local string
}

// resolvePathSteps parses a "./a:b/c:d"-style path (root segment excluded;
// matching begins at the root's children) into resolved namespace-URI/local
// pairs, validating every referenced prefix against nsmap up front so an
// undeclared prefix is reported before any tree descent is attempted.
func resolvePathSteps(path string, nsmap map[string]string) ([]pathStep, error) {
	trimmed := strings.TrimPrefix(path, "./")
	trimmed = strings.TrimPrefix(trimmed, "/")
	var steps []pathStep
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" {
			continue
		}
		prefix, local := splitPrefix(seg)
		uri, declared := nsmap[prefix]
		if !declared {
			return nil, newUndeclaredPrefixError(prefix)
		}
		steps = append(steps, pathStep{uri: uri, local: local})
	}
	return steps, nil
}

// ByRegexWithXPathQuery parses the XML, harvests every declared namespace
// prefix (the empty prefix maps to the default namespace URI, or "" if none
// is declared, as in parseXMLTree), evaluates xpathExpr against that
// namespace map over a restricted path-expression subset, and applies
// pattern to every selected element's text. An undeclared prefix fails with
// a FilterSyntaxError.
func ByRegexWithXPathQuery(pattern string, xpathExpr string) TransferURLFilter {
	re := regexp.MustCompile(pattern)
	return func(metadataRaw string) ([]string, error) {
		if metadataRaw == "" {
			return nil, nil
		}
		root, nsmap, err := parseXMLTree([]byte(metadataRaw))
		if err != nil {
			return nil, err
		}
		steps, err := resolvePathSteps(xpathExpr, nsmap)
		if err != nil {
			return nil, err
		}
		if root == nil {
			return nil, nil
		}
		current := root.Children
		for _, step := range steps {
			var next []*xmlNode
			for _, n := range current {
				if n.LocalName == step.local && n.Namespace == step.uri {
					next = append(next, n)
				}
			}
			current = next
			if len(current) == 0 {
				break
			}
		}
		var out []string
		for _, n := range current {
			out = append(out, applyRegexContract(re, n.Text)...)
		}
		return out, nil
	}
}

// dedupePreserveOrder removes duplicate URLs, keeping the first occurrence.
func dedupePreserveOrder(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
