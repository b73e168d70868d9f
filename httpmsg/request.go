// Package httpmsg is a minimal HTTP/1.x message model that keeps header
// lines verbatim so messages can be forwarded byte for byte.
//
// Architecture:
//   - Request is read from a client stream. Identity headers (Basic
//     credentials, the namespace option and its source-ip header) are
//     extracted and not forwarded; Connection and Keep-Alive lines are
//     replaced by a single "Connection: close".
//   - ControlLine is derived from the request line by a pure parse; WithPath
//     returns a new Request with a rewritten request line instead of
//     mutating cached fields.
//   - Response (response.go) is read from a downstream stream, optionally
//     tee'd to the client as it arrives.
package httpmsg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// CRLF terminates every serialized header line.
	CRLF = "\r\n"

	// MaxLineBytes bounds a single header line.
	MaxLineBytes = 16 * 1024
	// MaxHeaderLines bounds the header block.
	MaxHeaderLines = 256
	// MaxRequestBody bounds a client request body.
	MaxRequestBody = 1 << 20

	connectionClose = "Connection: close"
	basicPrefix     = "authorization: basic"
	namespacePrefix = `opt: "http://rbnb.net/ext"; ns=`
	sourceIPSuffix  = "-source-ip: "
)

var (
	// ErrNullMessage marks a message that could not be parsed.
	ErrNullMessage = errors.New("null http message")
	// ErrLineTooLong is returned when a header line exceeds MaxLineBytes.
	ErrLineTooLong = errors.New("header line too long")
	// ErrTooManyLines is returned when a header block exceeds MaxHeaderLines.
	ErrTooManyLines = errors.New("too many header lines")
)

// ControlLine holds the fields parsed from a request line.
type ControlLine struct {
	Method string
	// Scheme is "http" for origin-form requests and the URI scheme for
	// absolute-form requests.
	Scheme string
	// Target is the request target exactly as sent.
	Target string
	// Path is the origin-form target: always begins with '/'.
	Path  string
	Proto string
	// Host and Port are set only for absolute-form requests.
	Host string
	Port int
	// Absolute is true when the target carried scheme://host, which means
	// the client was pointed here by a proxy setting or an earlier redirect.
	Absolute bool
}

// ParseControlLine parses "METHOD target PROTO". The target may be a path or
// an absolute http URI; a missing port defaults to 80.
func ParseControlLine(line string) (ControlLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ControlLine{}, fmt.Errorf("%w: control line %q", ErrNullMessage, line)
	}
	cl := ControlLine{Method: fields[0], Target: fields[1], Scheme: "http"}
	if len(fields) > 2 {
		cl.Proto = fields[2]
	}

	target := cl.Target
	sep := strings.Index(target, "://")
	if sep < 0 {
		cl.Path = target
		if !strings.HasPrefix(cl.Path, "/") {
			cl.Path = "/" + cl.Path
		}
		return cl, nil
	}

	cl.Absolute = true
	cl.Scheme = strings.ToLower(target[:sep])
	rest := target[sep+3:]
	authority, path := rest, "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority, path = rest[:slash], rest[slash:]
	} else if q := strings.IndexAny(rest, "?@"); q >= 0 {
		authority, path = rest[:q], "/"+rest[q:]
	}
	if authority == "" {
		return ControlLine{}, fmt.Errorf("%w: no host in %q", ErrNullMessage, target)
	}
	host, port, err := SplitHostPort(authority, 80)
	if err != nil {
		return ControlLine{}, fmt.Errorf("%w: %v", ErrNullMessage, err)
	}
	cl.Host, cl.Port, cl.Path = host, port, path
	return cl, nil
}

// SplitHostPort parses host[:port]. An empty host means localhost.
func SplitHostPort(authority string, defaultPort int) (string, int, error) {
	host, portStr := authority, ""
	if colon := strings.LastIndexByte(authority, ':'); colon >= 0 && !strings.Contains(authority[colon:], "]") {
		host, portStr = authority[:colon], authority[colon+1:]
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		host = "localhost"
	}
	port := defaultPort
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n <= 0 || n > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
		port = n
	}
	return host, port, nil
}

// HostPort joins host and port the way redirects and dials expect them.
func HostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// String rebuilds the request line.
func (c ControlLine) String() string {
	return joinControl(c.Method, c.Target, c.Proto)
}

// OriginForm rebuilds the request line with the host removed.
func (c ControlLine) OriginForm() string {
	return joinControl(c.Method, c.Path, c.Proto)
}

func joinControl(method, target, proto string) string {
	if proto == "" {
		return method + " " + target
	}
	return method + " " + target + " " + proto
}

// Request is one parsed client request. Values are not modified after
// ReadRequest returns; WithPath builds a new one.
type Request struct {
	// lines holds the control line, the forwarded headers, the injected
	// Connection line and the terminating blank line.
	lines      []string
	body       []byte
	control    ControlLine
	credential string
	namespace  string
	sourceIP   string
	null       bool
	nullErr    error
}

// ReadRequest reads one request from r. Parse faults yield a null Request
// with a nil error; transport faults are returned as errors.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	req := &Request{}
	sawBlank := false
	for !sawBlank {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrLineTooLong) {
				return nullRequest(err), nil
			}
			return nullRequest(err), err
		}
		if len(req.lines) >= MaxHeaderLines {
			return nullRequest(ErrTooManyLines), nil
		}
		if line == "" {
			if len(req.lines) == 0 {
				// Tolerate stray CRLF before the request line.
				continue
			}
			req.lines = append(req.lines, connectionClose, "")
			sawBlank = true
			continue
		}
		req.consumeHeader(line)
	}
	if len(req.lines) == 0 {
		return nullRequest(fmt.Errorf("%w: empty request", ErrNullMessage)), nil
	}
	if !sawBlank {
		req.lines = append(req.lines, connectionClose, "")
	}

	control, err := ParseControlLine(req.lines[0])
	if err != nil {
		return nullRequest(err), nil
	}
	req.control = control

	length, err := req.scanContentLength()
	if err != nil {
		return nullRequest(err), nil
	}
	if length > MaxRequestBody {
		return nullRequest(fmt.Errorf("%w: body of %d bytes", ErrNullMessage, length)), nil
	}
	if length > 0 {
		body := make([]byte, length)
		n, err := io.ReadFull(r, body)
		req.body = body[:n]
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return req, fmt.Errorf("read request body: %w", err)
		}
	}
	return req, nil
}

func nullRequest(err error) *Request {
	return &Request{null: true, nullErr: err}
}

// consumeHeader files one header line: identity headers are captured, hop
// headers dropped, everything else kept for forwarding.
func (req *Request) consumeHeader(line string) {
	if len(req.lines) == 0 {
		req.lines = append(req.lines, line)
		return
	}
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "keep-alive"), strings.HasPrefix(lower, "connection"):
		return
	case strings.HasPrefix(lower, basicPrefix):
		req.credential = strings.TrimSpace(line[len(basicPrefix):])
		return
	case strings.HasPrefix(lower, namespacePrefix):
		req.namespace = strings.TrimSpace(line[len(namespacePrefix):])
		return
	case req.namespace != "" && len(lower) > 2 &&
		strings.HasPrefix(lower, strings.ToLower(req.namespace)) &&
		strings.HasPrefix(lower[2:], sourceIPSuffix):
		req.sourceIP = strings.TrimSpace(line[2+len(sourceIPSuffix):])
		return
	}
	req.lines = append(req.lines, line)
}

// scanContentLength searches the headers from the last one backward.
func (req *Request) scanContentLength() (int, error) {
	for i := len(req.lines) - 1; i > 0; i-- {
		name, value, ok := splitHeader(req.lines[i])
		if !ok || !strings.EqualFold(name, "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: bad Content-Length %q", ErrNullMessage, value)
		}
		return n, nil
	}
	return 0, nil
}

// WithPath returns a copy whose request target is rewritten. A target that
// starts with http:// switches to absolute form; a path keeps the current
// form and host.
func (req *Request) WithPath(newPath string) (*Request, error) {
	if req.null {
		return req, ErrNullMessage
	}
	target := newPath
	if !strings.HasPrefix(strings.ToLower(newPath), "http://") {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		if req.control.Absolute {
			target = req.control.Scheme + "://" + HostPort(req.control.Host, req.control.Port) + target
		}
	}
	line := joinControl(req.control.Method, target, req.control.Proto)
	control, err := ParseControlLine(line)
	if err != nil {
		return req, err
	}
	out := *req
	out.lines = append([]string(nil), req.lines...)
	out.lines[0] = line
	out.control = control
	return &out, nil
}

// IsNull reports whether the request failed to parse.
func (req *Request) IsNull() bool { return req == nil || req.null }

// NullReason explains a null request.
func (req *Request) NullReason() error {
	if req == nil {
		return ErrNullMessage
	}
	return req.nullErr
}

// Control returns the parsed request line.
func (req *Request) Control() ControlLine { return req.control }

// Method returns the request method.
func (req *Request) Method() string { return req.control.Method }

// Path returns the origin-form path including any query.
func (req *Request) Path() string { return req.control.Path }

// Host returns the host of an absolute-form request, or "".
func (req *Request) Host() string { return req.control.Host }

// Port returns the port of an absolute-form request, 80 when none was given.
func (req *Request) Port() int {
	if req.control.Port == 0 {
		return 80
	}
	return req.control.Port
}

// IsProxyRequest reports whether the request arrived in absolute form.
func (req *Request) IsProxyRequest() bool { return req.control.Absolute }

// Credential returns the Basic-Authorization token, or "".
func (req *Request) Credential() string { return req.credential }

// Namespace returns the namespace option code, or "".
func (req *Request) Namespace() string { return req.namespace }

// SourceIP returns the address from the namespaced source-ip header, or "".
func (req *Request) SourceIP() string { return req.sourceIP }

// Body returns the request body.
func (req *Request) Body() []byte { return req.body }

// HeaderLines returns a copy of the forwarded header lines.
func (req *Request) HeaderLines() []string { return append([]string(nil), req.lines...) }

// Bytes serializes the request as it will be forwarded.
func (req *Request) Bytes() []byte {
	return req.serialize(req.lines[0])
}

// BytesNoHost serializes the request with an origin-form request line, for
// servers reached directly.
func (req *Request) BytesNoHost() []byte {
	return req.serialize(req.control.OriginForm())
}

func (req *Request) serialize(control string) []byte {
	var b strings.Builder
	b.WriteString(control)
	b.WriteString(CRLF)
	for _, line := range req.lines[1:] {
		b.WriteString(line)
		b.WriteString(CRLF)
	}
	b.Write(req.body)
	return []byte(b.String())
}

// readLine reads one line and strips CR/LF. A final unterminated line is
// returned with a nil error; io.EOF is returned only when nothing was read.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return string(buf), nil
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return strings.TrimRight(string(buf), "\r"), nil
		}
	}
}

func splitHeader(line string) (name, value string, ok bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:colon]), strings.TrimSpace(line[colon+1:]), true
}
