// Package redact masks credential material before it reaches any log or
// audit sink. A single compiled, priority-ordered pattern table is evaluated
// once per string; the first matching pattern tags each masked span.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Mask replaces every matched span in redacted output.
const Mask = "[REDACTED]"

// Kind tags what shape of credential a masked span matched.
type Kind string

const (
	KindPlatformToken Kind = "platform_token"
	KindPrivateKey    Kind = "private_key"
	KindBearerHeader  Kind = "bearer_header"
	KindURLUserinfo   Kind = "url_userinfo"
	KindAWSAccessKey  Kind = "aws_access_key"
	KindAssignment    Kind = "assignment"
)

// rule is one entry of the pattern table. Earlier entries win where
// patterns could overlap, so specific shapes come before generic ones.
type rule struct {
	kind Kind
	re   *regexp.Regexp
}

var rules = []rule{
	{KindPlatformToken, regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{16,255}`)},
	{KindPlatformToken, regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`)},
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{KindBearerHeader, regexp.MustCompile(`(?i)(authorization:\s*(?:bearer|basic|token)\s+)\S+`)},
	{KindURLUserinfo, regexp.MustCompile(`(\w+://[^/\s:@]+:)[^@\s]+(@)`)},
	{KindAWSAccessKey, regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{KindAssignment, regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_?key|private_?key)["']?\s*[:=]\s*["']?)[^\s"',}]+`)},
}

// Span reports one masked region of the input.
type Span struct {
	Kind  Kind
	Start int
	End   int
}

// String masks all credential-shaped substrings in s.
func String(s string) string {
	out, _ := StringWithSpans(s)
	return out
}

// StringWithSpans masks s and reports which pattern kind each span matched.
// Spans are positions in the ORIGINAL string; overlapping matches resolve to
// the highest-priority (earliest-table) pattern.
func StringWithSpans(s string) (string, []Span) {
	var spans []Span
	for _, r := range rules {
		for _, loc := range r.re.FindAllStringSubmatchIndex(s, -1) {
			start, end := loc[0], loc[1]
			// Patterns with a keep-prefix group mask only the trailing part.
			if len(loc) >= 4 && loc[2] == start {
				start = loc[3]
			}
			if covered(spans, start, end) {
				continue
			}
			spans = append(spans, Span{Kind: r.kind, Start: start, End: end})
		}
	}
	if len(spans) == 0 {
		return s, nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp.Start < prev {
			continue
		}
		b.WriteString(s[prev:sp.Start])
		b.WriteString(Mask)
		// URL userinfo keeps the trailing "@" so the host stays readable.
		if sp.Kind == KindURLUserinfo && sp.End > 0 && s[sp.End-1] == '@' {
			b.WriteByte('@')
		}
		prev = sp.End
	}
	b.WriteString(s[prev:])
	return b.String(), spans
}

func covered(spans []Span, start, end int) bool {
	for _, sp := range spans {
		if start < sp.End && end > sp.Start {
			return true
		}
	}
	return false
}

// Map returns a copy of m with every string value masked. Keys whose name
// itself looks sensitive are masked wholesale regardless of value shape.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKey(k) {
			out[k] = Mask
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = String(val)
		case map[string]any:
			out[k] = Map(val)
		default:
			out[k] = v
		}
	}
	return out
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)(password|passwd|secret|token|credential|private_?key|api_?key)`)

func sensitiveKey(k string) bool {
	return sensitiveKeyRe.MatchString(k)
}

// Value is a string that always renders redacted. Use it for struct fields
// that may be formatted with %v or %#v on a log path.
type Value string

func (Value) String() string   { return Mask }
func (Value) GoString() string { return Mask }
