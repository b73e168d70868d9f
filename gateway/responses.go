package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timedrive/httpmsg"
)

const (
	serverName = "TimeDrive"
	authRealm  = "Unique TimeDrive identity"

	proxyLoopMessage = "TimeDrive is in redirect (not pass-through) mode.\n" +
		"To prevent infinite request loops, can't process a request sent to TimeDrive by a proxy."
)

const unauthorizedPage = `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 4.01 Transitional//EN">
<HTML>
<HEAD>
<TITLE>TimeDrive username/password</TITLE>
<META HTTP-EQUIV="Content-Type" CONTENT="text/html; charset=ISO-8859-1">
</HEAD>
<BODY>
<H1>TimeDrive username and optional password.</H1><br>
Join a TimeDrive session by entering a username (your choice) and an optional password.<br><br>
To support multiple users independently driving time, TimeDrive asks for a username (and optional password)
of your choice. This is not a user account: it only keys your session, and each new session may use a
different combination. NOTE: the username and password are transmitted as plain text.
</BODY>
</HTML>`

// reply is a synthetic response built by the gateway itself.
type reply struct {
	status      string
	contentType string
	headers     []string
	body        []byte
	noCache     bool
}

// bytes serializes the reply. Content-Length always matches the body.
func (r reply) bytes(now time.Time) []byte {
	date := now.UTC().Format(http.TimeFormat)
	var b bytes.Buffer
	writeHeader := func(line string) {
		b.WriteString(line)
		b.WriteString(httpmsg.CRLF)
	}
	writeHeader(r.status)
	writeHeader("Server: " + serverName)
	if r.noCache {
		writeHeader("Pragma: no-cache")
		writeHeader("Cache-Control: no-cache")
		writeHeader("Expires: -1")
		writeHeader("Last-Modified: " + date)
	}
	for _, h := range r.headers {
		writeHeader(h)
	}
	if r.contentType != "" {
		writeHeader("Content-Type: " + r.contentType)
	}
	writeHeader("Content-Length: " + strconv.Itoa(len(r.body)))
	writeHeader("Date: " + date)
	writeHeader("")
	b.Write(r.body)
	return b.Bytes()
}

func unauthorizedReply() reply {
	return reply{
		status:      "HTTP/1.0 401 Unauthorised",
		contentType: "text/html",
		headers:     []string{fmt.Sprintf("WWW-Authenticate: Basic realm=%q", authRealm)},
		body:        []byte(unauthorizedPage),
	}
}

func mungeReply(body string) reply {
	return reply{
		status:      "HTTP/1.1 200 OK",
		contentType: "text/plain",
		body:        []byte(body),
		noCache:     true,
	}
}

func pageReply(page []byte) reply {
	return reply{
		status:      "HTTP/1.1 200 OK",
		contentType: "text/html",
		body:        page,
		noCache:     true,
	}
}

func imageReply(contentType string, image []byte) reply {
	return reply{
		status:      "HTTP/1.1 200 OK",
		contentType: contentType,
		body:        image,
		noCache:     true,
	}
}

// stubReply answers requests the gateway will not serve. The status stays
// 200 so browsers show the text.
func stubReply(path, message string) reply {
	if strings.TrimSpace(message) == "" {
		message = "The request, " + path + " could not be processed.\nRequest denied.\n"
	}
	return reply{
		status:      "HTTP/1.1 200 OK",
		contentType: "text/plain",
		body:        []byte(message),
		noCache:     true,
	}
}

func redirectReply(location string) reply {
	body := "<html>\n<head>\n<title>TimeDrive Redirection</title>\n</head>\n<body>\n" +
		"To fulfill the data request, you are being redirected to:\n" +
		`<a href="` + location + `">` + location + "</a>\n</body>\n</html>"
	return reply{
		status:      "HTTP/1.1 303 See Other",
		contentType: "text/html",
		headers:     []string{"Location: " + location},
		body:        []byte(body),
		noCache:     true,
	}
}

func busyResponse(now time.Time) []byte {
	r := reply{
		status:      "HTTP/1.1 503 Service Unavailable",
		contentType: "text/plain",
		headers:     []string{"Connection: close"},
		body:        []byte("Server full. Try again later.\n"),
	}
	return r.bytes(now)
}
