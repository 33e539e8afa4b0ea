package tee

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
type ResponseSaver struct {
	rw           http.ResponseWriter
	header       http.Header
	body         *bytes.Buffer
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	// write to buffer and return written bytes
	return t.body.Write(b)
}

// StatusCode returns the status code of the response.
// It is 200 if the handler wrote a body without a status, and 0 if it wrote nothing.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Bytes returns the recorded response in HTTP/1.1 wire format.
func (t *ResponseSaver) Bytes() []byte {
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	header := t.header.Clone()
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(t.body.Len()))
	header.Write(buf)
	buf.WriteString("\r\n")
	buf.Write(t.body.Bytes())
	return buf.Bytes()
}

// Response returns the recorded response as if it had been read from the network.
func (t *ResponseSaver) Response(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(t.Bytes())), req)
}

// NewResponseSaver returns a new ResponseSaver.
// If w is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
