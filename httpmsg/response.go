package httpmsg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// ChunkSize is the read size for bodies without a declared length.
	ChunkSize = 1024
	// MaxRetainedBody caps how much of a streamed body is kept in memory;
	// the rest is still forwarded to the tee and counted.
	MaxRetainedBody = 8 << 20
)

// Response is a parsed HTTP response. Header lines include the control line
// and the terminating blank line.
type Response struct {
	lines         []string
	body          []byte
	contentLength int
	status        int
	text          bool
	headerOnly    bool
	truncated     bool
	null          bool
	nullErr       error
}

// ParseResponseHeader builds a header-only Response from a literal header
// block. Lines may end in LF or CRLF.
func ParseResponseHeader(header string) *Response {
	resp := &Response{headerOnly: true}
	for _, line := range strings.Split(strings.ReplaceAll(header, "\r\n", "\n"), "\n") {
		if line == "" {
			break
		}
		resp.lines = append(resp.lines, line)
	}
	resp.lines = append(resp.lines, "")
	if err := resp.deriveHeader(); err != nil {
		return nullResponse(err)
	}
	return resp
}

// ReadResponse reads a response from r. When tee is non-nil every header
// line and body chunk is written to it as soon as it is read, and a
// "Connection: close" line is added before the blank line unless one was
// already present. Parse faults yield a null Response; a failed tee write
// during the header or an unreadable stream is returned as an error.
func ReadResponse(r *bufio.Reader, tee io.Writer) (*Response, error) {
	resp := &Response{}
	sawClose := false
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nullResponse(err), fmt.Errorf("read response header: %w", err)
		}
		if len(resp.lines) >= MaxHeaderLines {
			return nullResponse(ErrTooManyLines), nil
		}
		if line == "" {
			if tee != nil && !sawClose && len(resp.lines) > 0 {
				if err := writeLine(tee, connectionClose); err != nil {
					return nullResponse(err), fmt.Errorf("tee response header: %w", err)
				}
				resp.lines = append(resp.lines, connectionClose)
			}
			resp.lines = append(resp.lines, "")
			if tee != nil {
				if err := writeLine(tee, ""); err != nil {
					return nullResponse(err), fmt.Errorf("tee response header: %w", err)
				}
			}
			break
		}
		if strings.EqualFold(strings.TrimSpace(line), connectionClose) {
			sawClose = true
		}
		resp.lines = append(resp.lines, line)
		if tee != nil {
			if err := writeLine(tee, line); err != nil {
				return nullResponse(err), fmt.Errorf("tee response header: %w", err)
			}
		}
	}

	if len(resp.lines) == 0 || resp.lines[0] == "" || strings.EqualFold(resp.lines[0], "Error") {
		return nullResponse(fmt.Errorf("%w: no status line", ErrNullMessage)), nil
	}
	if resp.lines[len(resp.lines)-1] != "" {
		resp.lines = append(resp.lines, "")
	}
	if err := resp.deriveHeader(); err != nil {
		return nullResponse(err), nil
	}

	switch {
	case resp.contentLength > 0:
		return resp, resp.readExact(r, tee)
	case resp.status == http.StatusOK:
		return resp, resp.readUntilEOF(r, tee)
	case resp.text:
		return resp, resp.readTextLines(r, tee)
	}
	resp.headerOnly = true
	return resp, nil
}

func nullResponse(err error) *Response {
	return &Response{null: true, nullErr: err}
}

func (resp *Response) deriveHeader() error {
	if len(resp.lines) == 0 || resp.lines[0] == "" {
		return fmt.Errorf("%w: no status line", ErrNullMessage)
	}
	fields := strings.Fields(resp.lines[0])
	resp.status = 0
	if len(fields) > 1 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			resp.status = code
		}
	}
	resp.contentLength = 0
	resp.text = false
	for _, line := range resp.lines[1:] {
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(name, "Content-Length"):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bad Content-Length %q", ErrNullMessage, value)
			}
			resp.contentLength = n
		case strings.EqualFold(name, "Content-Type"):
			if strings.Contains(strings.ToLower(value), "text/") {
				resp.text = true
			}
		}
	}
	return nil
}

// readExact reads the declared length. A failed tee write means the client
// went away; the body is still drained so the downstream sees a clean close.
func (resp *Response) readExact(r *bufio.Reader, tee io.Writer) error {
	remaining := resp.contentLength
	buf := make([]byte, ChunkSize*4)
	read := 0
	for remaining > 0 {
		want := len(buf)
		if remaining < want {
			want = remaining
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			resp.retain(buf[:n])
			read += n
			remaining -= n
			if tee != nil {
				if _, werr := tee.Write(buf[:n]); werr != nil {
					tee = nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read response body: %w", err)
		}
	}
	if read == 0 {
		resp.headerOnly = true
	}
	resp.contentLength = read
	return nil
}

func (resp *Response) readUntilEOF(r *bufio.Reader, tee io.Writer) error {
	buf := make([]byte, ChunkSize)
	total := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			resp.retain(buf[:n])
			total += n
			if tee != nil {
				if _, werr := tee.Write(buf[:n]); werr != nil {
					resp.contentLength = total
					return fmt.Errorf("tee response body: %w", werr)
				}
			}
		}
		if err != nil {
			resp.contentLength = total
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read response body: %w", err)
		}
	}
}

func (resp *Response) readTextLines(r *bufio.Reader, tee io.Writer) error {
	var lines []string
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read response text: %w", err)
		}
		lines = append(lines, line)
		if tee != nil {
			if werr := writeLine(tee, line); werr != nil {
				return fmt.Errorf("tee response text: %w", werr)
			}
		}
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	body := strings.Join(lines, CRLF)
	resp.retain([]byte(body))
	resp.contentLength = len(body)
	return nil
}

func (resp *Response) retain(chunk []byte) {
	room := MaxRetainedBody - len(resp.body)
	if room <= 0 {
		resp.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		resp.truncated = true
	}
	resp.body = append(resp.body, chunk...)
}

// SetNotModified turns the response into a bodyless 304 with a fresh Date.
func (resp *Response) SetNotModified(now time.Time) {
	if resp.IsNull() {
		return
	}
	kept := make([]string, 0, len(resp.lines)+1)
	kept = append(kept, "HTTP/1.1 304 Not Modified", "Date: "+now.UTC().Format(http.TimeFormat))
	for _, line := range resp.lines[1:] {
		name, _, ok := splitHeader(line)
		if ok && (strings.EqualFold(name, "Content-Length") ||
			strings.EqualFold(name, "Last-Modified") ||
			strings.EqualFold(name, "Date")) {
			continue
		}
		kept = append(kept, line)
	}
	resp.lines = kept
	resp.status = http.StatusNotModified
	resp.body = nil
	resp.contentLength = 0
	resp.text = false
	resp.headerOnly = true
}

// IsNull reports whether the response failed to parse.
func (resp *Response) IsNull() bool { return resp == nil || resp.null }

// NullReason explains a null response.
func (resp *Response) NullReason() error {
	if resp == nil {
		return ErrNullMessage
	}
	return resp.nullErr
}

// StatusCode returns the numeric status, 0 when unparseable.
func (resp *Response) StatusCode() int { return resp.status }

// ContentLength returns the declared length, or the number of body bytes
// read when no length was declared.
func (resp *Response) ContentLength() int { return resp.contentLength }

// IsText reports whether the Content-Type is textual.
func (resp *Response) IsText() bool { return resp.text }

// HeaderOnly reports whether the response carries no body.
func (resp *Response) HeaderOnly() bool { return resp.headerOnly }

// Truncated reports whether part of the body was forwarded but not kept.
func (resp *Response) Truncated() bool { return resp.truncated }

// Content returns the retained body.
func (resp *Response) Content() []byte { return resp.body }

// HeaderLines returns a copy of the header lines.
func (resp *Response) HeaderLines() []string { return append([]string(nil), resp.lines...) }

// Header serializes the header block, ending with the blank line.
func (resp *Response) Header() string {
	var b strings.Builder
	for _, line := range resp.lines {
		b.WriteString(line)
		b.WriteString(CRLF)
	}
	return b.String()
}

// Bytes serializes the header block followed by the retained body.
func (resp *Response) Bytes() []byte {
	return append([]byte(resp.Header()), resp.body...)
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+CRLF)
	return err
}
