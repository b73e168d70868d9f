package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	allow int
	buf   bytes.Buffer
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.allow {
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

func TestResponseExactLengthIsTeed(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: image/png\r\nContent-Length: 6\r\n\r\nabcdefTRAILING"
	var tee bytes.Buffer
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), &tee)
	require.NoError(t, err)
	require.False(t, resp.IsNull())

	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, 6, resp.ContentLength())
	assert.Equal(t, "abcdef", string(resp.Content()))
	assert.False(t, resp.IsText())
	want := "HTTP/1.1 200 OK\r\nContent-Type: image/png\r\nContent-Length: 6\r\nConnection: close\r\n\r\nabcdef"
	assert.Equal(t, want, tee.String())
	assert.Equal(t, want, string(resp.Bytes()))
}

func TestResponseKeepsExistingConnectionClose(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nconnection: close\r\nContent-Length: 1\r\n\r\nx"
	var tee bytes.Buffer
	_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), &tee)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.ToLower(tee.String()), "connection: close"))
}

func TestResponseZeroLengthOKReadsUntilEOF(t *testing.T) {
	body := strings.Repeat("0123456789", 300)
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n" + body

	for name, wrap := range map[string]func(string) *bufio.Reader{
		"whole":   func(s string) *bufio.Reader { return bufio.NewReader(strings.NewReader(s)) },
		"onebyte": func(s string) *bufio.Reader { return bufio.NewReaderSize(iotest.OneByteReader(strings.NewReader(s)), 16) },
		"half":    func(s string) *bufio.Reader { return bufio.NewReaderSize(iotest.HalfReader(strings.NewReader(s)), 64) },
	} {
		t.Run(name, func(t *testing.T) {
			var tee bytes.Buffer
			resp, err := ReadResponse(wrap(raw), &tee)
			require.NoError(t, err)
			assert.Equal(t, body, string(resp.Content()))
			assert.Equal(t, len(body), resp.ContentLength())
			assert.True(t, strings.HasSuffix(tee.String(), body))
		})
	}
}

func TestResponseTextWithoutLengthDropsTrailingBlank(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\n\r\n<p>gone</p>\r\nline two\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	assert.True(t, resp.IsText())
	assert.Equal(t, "<p>gone</p>\r\nline two", string(resp.Content()))
	assert.Equal(t, 404, resp.StatusCode())
}

func TestResponseNoBodyForOtherStatuses(t *testing.T) {
	raw := "HTTP/1.1 302 Found\r\nLocation: /x\r\n\r\nignored"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	assert.True(t, resp.HeaderOnly())
	assert.Empty(t, resp.Content())
}

func TestResponseSwallowsTeeFailureOnExactBody(t *testing.T) {
	header := "HTTP/1.1 200 OK\r\nContent-Length: 4096\r\n\r\n"
	raw := header + strings.Repeat("z", 4096)
	tee := &failingWriter{allow: len(header) + len("Connection: close\r\n") + 10}

	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), tee)
	require.NoError(t, err)
	assert.Equal(t, 4096, resp.ContentLength())
	assert.Len(t, resp.Content(), 4096)
}

func TestResponseTeeFailureInHeaderIsAnError(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nx"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), &failingWriter{allow: 3})
	assert.Error(t, err)
	assert.True(t, resp.IsNull())
}

func TestNullResponses(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":      "",
		"error line": "Error\r\n\r\n",
		"bad length": "HTTP/1.1 200 OK\r\nContent-Length: -3\r\n\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
			require.NoError(t, err)
			assert.True(t, resp.IsNull())
		})
	}
}

func TestParseResponseHeaderAndNotModified(t *testing.T) {
	resp := ParseResponseHeader("HTTP/1.1 200 OK\nServer: TimeDrive\nContent-Length: 12\nLast-Modified: yesterday\nDate: old\n")
	require.False(t, resp.IsNull())
	assert.Equal(t, 12, resp.ContentLength())
	assert.True(t, resp.HeaderOnly())

	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	resp.SetNotModified(now)
	assert.Equal(t, 304, resp.StatusCode())
	assert.Equal(t, 0, resp.ContentLength())
	assert.Equal(t, []string{
		"HTTP/1.1 304 Not Modified",
		"Date: Sun, 18 Oct 2026 09:30:00 GMT",
		"Server: TimeDrive",
		"",
	}, resp.HeaderLines())
	assert.Equal(t, "HTTP/1.1 304 Not Modified\r\nDate: Sun, 18 Oct 2026 09:30:00 GMT\r\nServer: TimeDrive\r\n\r\n", resp.Header())
}
