package munge

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Param is one key=value pair of a munge, kept verbatim for forwarding.
type Param struct {
	Key      string
	Value    string
	HasValue bool
}

func (p Param) String() string {
	if !p.HasValue {
		return p.Key
	}
	return p.Key + "=" + p.Value
}

type paramKind int

const (
	kindOther paramKind = iota
	kindTime
	kindDuration
	kindReference
	kindLocal // consumed by the gateway, never forwarded downstream
)

func classifyKey(key string) paramKind {
	switch strings.ToLower(key) {
	case "t", "time":
		return kindTime
	case "d", "duration":
		return kindDuration
	case "r", "reference":
		return kindReference
	case "play", "rate", "z", "syncchan":
		return kindLocal
	}
	return kindOther
}

// Query is a request path split into its channel portion and the munge the
// client embedded after '?' or '@'.
type Query struct {
	Channel   string
	Separator byte
	Params    []Param

	Reference string
	Time      *float64
	Duration  *float64
	Play      string
	Rate      *float64
	// Zero is "t" or "f" when the client forced the zero-duration decision.
	Zero string
}

// ParseQuery splits path at the first '?' or '@'. Unparseable numeric values
// are left unset; the raw pair stays in Params.
func ParseQuery(path string) Query {
	q := Query{Channel: path}
	idx := strings.IndexAny(path, "?@")
	if idx < 0 {
		return q
	}
	q.Channel = path[:idx]
	q.Separator = path[idx]

	for _, raw := range strings.Split(path[idx+1:], "&") {
		if raw == "" {
			continue
		}
		p := Param{Key: raw}
		if eq := strings.IndexByte(raw, '='); eq >= 0 {
			p = Param{Key: raw[:eq], Value: raw[eq+1:], HasValue: true}
		}
		if p.Key == "" {
			continue
		}
		q.Params = append(q.Params, p)
		q.apply(p)
	}
	return q
}

func (q *Query) apply(p Param) {
	value := unescape(p.Value)
	switch classifyKey(p.Key) {
	case kindTime:
		q.Time = parseFloat(value)
	case kindDuration:
		q.Duration = parseFloat(value)
	case kindReference:
		q.Reference = value
	case kindLocal:
		switch strings.ToLower(p.Key) {
		case "play":
			q.Play = value
		case "rate":
			q.Rate = parseFloat(value)
		case "z":
			if z := strings.ToLower(strings.TrimSpace(value)); z == "t" || z == "f" {
				q.Zero = z
			}
		}
	}
}

// HasMunge reports whether the client supplied any parameter meant for the
// downstream server.
func (q Query) HasMunge() bool {
	for _, p := range q.Params {
		if classifyKey(p.Key) != kindLocal {
			return true
		}
	}
	return false
}

// HasUpdate reports whether any session field was supplied.
func (q Query) HasUpdate() bool {
	return q.Reference != "" || q.Time != nil || q.Duration != nil || q.Play != "" || q.Rate != nil
}

// Update converts the parsed parameters into a session update. An absent
// reference becomes defaultRef when any other field is present, so a bare
// query leaves the session alone.
func (q Query) Update(defaultRef Reference) Update {
	ref := q.Reference
	if ref == "" && q.HasUpdate() {
		ref = string(defaultRef)
	}
	return Update{
		Reference: ref,
		Time:      q.Time,
		Duration:  q.Duration,
		Play:      q.Play,
		Rate:      q.Rate,
	}
}

// ZeroDuration decides whether a data request asks for a single point in
// time. An explicit z flag wins; otherwise a final path segment that looks
// like a file with an extension does.
func (q Query) ZeroDuration() bool {
	switch q.Zero {
	case "t":
		return true
	case "f":
		return false
	}
	return strings.LastIndexByte(q.Channel, '.') > strings.LastIndexByte(q.Channel, '/')
}

// SessionView is what Merge needs from the caller's session.
type SessionView interface {
	Render(tempDuration float64) string
	Duration() float64
}

// Merge combines the client's embedded munge with the session munge:
//   - no client munge: the session munge, duration overridden when zero;
//   - client munge without a time: the client's other parameters followed by
//     the session munge, rendered with the client's duration if given; a
//     client reference replaces the session's;
//   - client munge with a time: the client's munge, plus the session duration
//     when the client gave none.
func Merge(q Query, zero bool, session SessionView) string {
	if !q.HasMunge() {
		temp := NoDurationOverride
		if zero {
			temp = 0
		}
		return session.Render(temp)
	}

	if q.Time == nil {
		temp := NoDurationOverride
		if q.Duration != nil {
			temp = *q.Duration
		}
		if zero {
			temp = 0
		}
		clientRef := false
		extras := joinParams(q.Params, func(k paramKind) bool {
			clientRef = clientRef || k == kindReference
			return k == kindOther || k == kindReference
		})
		rendered := session.Render(temp)
		if clientRef {
			rendered = stripReference(rendered)
		}
		if extras == "" {
			return rendered
		}
		return extras + "&" + rendered
	}

	params := make([]Param, 0, len(q.Params)+1)
	sawDuration := false
	for _, p := range q.Params {
		switch classifyKey(p.Key) {
		case kindLocal:
			continue
		case kindDuration:
			sawDuration = true
			if zero {
				p = Param{Key: p.Key, Value: "0", HasValue: true}
			}
		}
		params = append(params, p)
	}
	if !sawDuration {
		dur := session.Duration()
		if zero {
			dur = 0
		}
		params = append(params, Param{Key: "d", Value: FormatSeconds(dur), HasValue: true})
	}
	return joinParams(params, nil)
}

// stripReference drops a leading r=<ref>& from a rendered session munge.
func stripReference(rendered string) string {
	if !strings.HasPrefix(rendered, "r=") {
		return rendered
	}
	if _, rest, ok := strings.Cut(rendered, "&"); ok {
		return rest
	}
	return rendered
}

func joinParams(params []Param, keep func(paramKind) bool) string {
	var b strings.Builder
	for _, p := range params {
		if keep != nil && !keep(classifyKey(p.Key)) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.String())
	}
	return b.String()
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	if out, err := url.QueryUnescape(s); err == nil {
		return out
	}
	return s
}
