package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const mockPageSize = 2

// NewMockForTests returns a Store backed by an in-memory fake S3 transport.
// Only the operations used by core.Store are implemented; listings are
// paginated two keys per page so callers exercise continuation tokens.
func NewMockForTests() *Store {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(DefaultRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &Store{client: client, bucket: "mock-bucket", presign: s3.NewPresignClient(client)}
}

type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string]mockObj
}

type mockObj struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, obj.headers(), nil), nil
	case http.MethodGet:
		obj, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, http.Header{"Content-Type": {"application/xml"}},
				[]byte("<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>")), nil
		}
		return respond(http.StatusOK, obj.headers(), obj.body), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			if body, err = decodeChunked(body); err != nil {
				return respond(http.StatusBadRequest, nil, nil), nil
			}
		}
		md := map[string]string{}
		for name, values := range req.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
				md[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
			}
		}
		m.state[key] = mockObj{body: body, contentType: req.Header.Get("Content-Type"), metadata: md, modified: time.Now().UTC()}
		return respond(http.StatusOK, http.Header{"ETag": {"\"" + etagOf(body) + "\""}}, nil), nil
	case http.MethodDelete:
		delete(m.state, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (m *mockRoundTripper) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	start := req.URL.Query().Get("continuation-token")
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) && k > start {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	truncated := len(keys) > mockPageSize
	if truncated {
		keys = keys[:mockPageSize]
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	fmt.Fprintf(&b, "<IsTruncated>%t</IsTruncated>", truncated)
	if truncated {
		fmt.Fprintf(&b, "<NextContinuationToken>%s</NextContinuationToken>", xmlEscape(keys[len(keys)-1]))
	}
	for _, k := range keys {
		obj := m.state[k]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;%s&quot;</ETag><LastModified>%s</LastModified></Contents>",
			xmlEscape(k), len(obj.body), etagOf(obj.body), obj.modified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(b.String()))
}

func (o mockObj) headers() http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(o.body))},
		"Content-Type":   {o.contentType},
		"ETag":           {"\"" + etagOf(o.body) + "\""},
		"Last-Modified":  {o.modified.Format(http.TimeFormat)},
	}
	for k, v := range o.metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	return h
}

func respond(status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func etagOf(b []byte) string { return fmt.Sprintf("%x-%d", len(b), checksum(b)) }

func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum = sum*31 + uint32(c)
	}
	return sum
}

// decodeChunked strips aws-chunked framing: `<hex>[;ext]\r\n<data>\r\n`
// repeated until a zero-size chunk, followed by optional trailers.
func decodeChunked(b []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(line, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", line, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("chunk body: %w", err)
		}
		if _, err := r.Discard(2); err != nil {
			return nil, fmt.Errorf("chunk terminator: %w", err)
		}
	}
}
