package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const storedAtHeaderName = "Shellcache-Stored-At"

// hop-by-hop headers are never part of a stored response
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

// Snapshot is an immutable copy of a response: status, headers and the full body.
// A response body can only be read once; a snapshot reads it once into an owned buffer
// and hands out any number of independent views over that buffer.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the snapshot was taken.
	StoredAt time.Time
}

// Capture reads and closes the response body and returns a snapshot of the response.
// The response must not be used afterwards; use Snapshot.Response instead.
func Capture(res *http.Response) (*Snapshot, error) {
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	return &Snapshot{
		StatusCode: res.StatusCode,
		Header:     stripHopByHop(res.Header),
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// Response returns a new response view over the snapshot.
// Each view has its own header map and body reader; the body bytes are shared read-only.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// OK reports whether the status is in the 200-299 range.
func (s *Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Bytes returns the HTTP/1.1 representation of the snapshot,
// with the time of storing carried in an extra header.
func (s *Snapshot) Bytes() ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse converts the output of Snapshot.Bytes back into a snapshot.
// The request is the one that resulted in the stored response; it may be nil.
func Parse(b []byte, req *http.Request) (*Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, fmt.Errorf("read stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read stored body: %w", err)
	}
	s := &Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(storedAt, 0)
	}
	s.Header.Del(storedAtHeaderName)
	return s, nil
}

func stripHopByHop(header http.Header) http.Header {
	// Clone so the caller's header is untouched
	headerClone := header.Clone()
	if headerClone == nil {
		headerClone = http.Header{}
	}
	for _, k := range hopByHopHeaders {
		headerClone.Del(k)
	}
	// Also remove headers named by the Connection header
	for _, conn := range header.Values("Connection") {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				headerClone.Del(token)
			}
		}
	}
	return headerClone
}
