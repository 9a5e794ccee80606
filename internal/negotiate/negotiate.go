// Package negotiate parses the Accept, Accept-Charset and Range request
// headers and selects among offered representations.
package negotiate

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// CharsetRange is one entry of an Accept-Charset header.
type CharsetRange struct {
	Charset  string
	Q        float64
	explicit bool
}

// ParseAcceptCharset parses an Accept-Charset header into charset ranges
// ordered by q descending. An absent or empty header yields ["utf-8"].
// Entries without a q parameter take q=1.0 and keep their relative input
// order among equals. Entries with q=0 are kept in the list.
func ParseAcceptCharset(header string) []CharsetRange {
	header = strings.TrimSpace(header)
	if header == "" {
		return []CharsetRange{{Charset: "utf-8", Q: 1.0}}
	}
	var out []CharsetRange
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cr := CharsetRange{Q: 1.0}
		if semi := strings.Index(part, ";"); semi >= 0 {
			for _, param := range strings.Split(part[semi+1:], ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
					continue
				}
				if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					cr.Q = q
					cr.explicit = true
				}
			}
			part = part[:semi]
		}
		cr.Charset = strings.ToLower(strings.TrimSpace(part))
		if cr.Charset == "" {
			continue
		}
		out = append(out, cr)
	}
	if len(out) == 0 {
		return []CharsetRange{{Charset: "utf-8", Q: 1.0}}
	}
	// Explicit q entries win q ties against defaulted ones; otherwise input
	// order is preserved.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Q != out[j].Q {
			return out[i].Q > out[j].Q
		}
		return out[i].explicit && !out[j].explicit
	})
	return out
}

// NegotiateCharset returns the first acceptable charset that appears in
// available (case-insensitive). A wildcard entry accepts the first available
// charset. Returns false when nothing matches.
func NegotiateCharset(header string, available []string) (string, bool) {
	for _, cr := range ParseAcceptCharset(header) {
		if cr.Charset == "*" {
			if len(available) == 0 {
				return "", false
			}
			return available[0], true
		}
		for _, av := range available {
			if strings.EqualFold(av, cr.Charset) {
				return av, true
			}
		}
	}
	return "", false
}

// MediaRange is one entry of an Accept header.
type MediaRange struct {
	Type   string
	Params map[string]string
	Q      float64
}

// ParseAccept parses an Accept header into media ranges ordered by q
// descending. An absent header yields ["*/*"].
func ParseAccept(header string) []MediaRange {
	header = strings.TrimSpace(header)
	if header == "" {
		return []MediaRange{{Type: "*/*", Q: 1.0, Params: map[string]string{}}}
	}
	var out []MediaRange
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mr := MediaRange{Q: 1.0, Params: map[string]string{}}
		fields := strings.Split(part, ";")
		mr.Type = strings.ToLower(strings.TrimSpace(fields[0]))
		for _, param := range fields[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok {
				continue
			}
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.Trim(strings.TrimSpace(v), `"`)
			if k == "q" {
				if q, err := strconv.ParseFloat(v, 64); err == nil {
					mr.Q = q
				}
				continue
			}
			mr.Params[k] = v
		}
		if mr.Type == "" {
			continue
		}
		out = append(out, mr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Q > out[j].Q })
	return out
}

// NegotiateMediaType returns the first offered media type acceptable to the
// header, honoring */* and type/* ranges.
func NegotiateMediaType(header string, offered []string) (string, bool) {
	for _, mr := range ParseAccept(header) {
		for _, off := range offered {
			if mediaTypeMatches(mr.Type, off) {
				return off, true
			}
		}
	}
	return "", false
}

func mediaTypeMatches(pattern, offered string) bool {
	if pattern == "*/*" || strings.EqualFold(pattern, offered) {
		return true
	}
	if major, sub, ok := strings.Cut(pattern, "/"); ok && sub == "*" {
		om, _, _ := strings.Cut(offered, "/")
		return strings.EqualFold(major, om)
	}
	return false
}

// ByteRange is a parsed Range header. End is inclusive; an open-ended range
// has End = math.MaxInt64.
type ByteRange struct {
	Start int64
	End   int64
}

// Open reports whether the range had no explicit end.
func (r ByteRange) Open() bool { return r.End == math.MaxInt64 }

// ParseRange recognizes "bytes=start-end" and "bytes=start-". Anything
// else (missing bytes=, end < start, negative or non-numeric start, empty)
// yields nil.
func ParseRange(header string) *ByteRange {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return nil
	}
	spec := strings.TrimSpace(header[len(prefix):])
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	br := &ByteRange{Start: start, End: math.MaxInt64}
	endStr = strings.TrimSpace(endStr)
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil
		}
		br.End = end
	}
	return br
}
