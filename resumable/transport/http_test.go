package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkParams() []Param {
	return []Param{
		{Name: "resumableChunkNumber", Value: "2"},
		{Name: "resumableIdentifier", Value: "11-datatxt"},
		{Name: "resumableFilename", Value: "data.txt"},
	}
}

func TestHTTPTransport_Octet(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, "2", r.URL.Query().Get("resumableChunkNumber"))
		assert.Equal(t, "11-datatxt", r.URL.Query().Get("resumableIdentifier"))
		assert.Equal(t, "static", r.Header.Get("X-Custom"))

		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("stored"))
	}))
	defer server.Close()

	var lastSent, lastTotal int64
	tr := NewHTTPTransport(log.NewLogger(), 3)
	defer tr.CloseIdleConnections()

	resp, err := tr.Do(context.Background(), &Request{
		Method:  http.MethodPut,
		URL:     server.URL,
		Params:  chunkParams(),
		Headers: map[string]string{"X-Custom": "static"},
		Body:    &Body{Encoding: EncodingOctet, Data: []byte("hello world")},
	}, func(sent, total int64) {
		lastSent, lastTotal = sent, total
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "stored", string(resp.Body))
	assert.Equal(t, "hello world", string(gotBody))
	assert.Equal(t, int64(11), lastSent)
	assert.Equal(t, int64(11), lastTotal)
}

func TestHTTPTransport_MultipartBlob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "2", r.FormValue("resumableChunkNumber"))
		assert.Equal(t, "data.txt", r.FormValue("resumableFilename"))
		assert.Equal(t, "2", r.URL.Query().Get("resumableChunkNumber"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "chunk-bytes", string(data))
		assert.Equal(t, "data.txt", header.Filename)
		assert.Equal(t, "text/plain", header.Header.Get("Content-Type"))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Params: chunkParams(),
		Body: &Body{
			Encoding:    EncodingMultipart,
			Format:      ChunkFormatBlob,
			FieldName:   "file",
			FileName:    "data.txt",
			ContentType: "text/plain",
			Data:        []byte("chunk-bytes"),
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPTransport_MultipartBase64(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		want := "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString([]byte("raw"))
		assert.Equal(t, want, r.FormValue("payload"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body: &Body{
			Encoding:  EncodingMultipart,
			Format:    ChunkFormatBase64,
			FieldName: "payload",
			Data:      []byte("raw"),
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPTransport_ProbeHasNoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, int64(0), r.ContentLength)
		assert.Equal(t, "11-datatxt", r.URL.Query().Get("resumableIdentifier"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL + "?existing=1",
		Params: chunkParams(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPTransport_DoesNotRetry(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("try later"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   &Body{Encoding: EncodingOctet, Data: []byte("x")},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "try later", string(resp.Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
}

func TestHTTPTransport_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	_, err := tr.Do(ctx, &Request{Method: http.MethodGet, URL: server.URL}, nil)
	require.Error(t, err)
}

func TestHTTPTransport_WithCredentials(t *testing.T) {
	var sawCookie int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil && c.Value == "abc" {
			atomic.StoreInt32(&sawCookie, 1)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(log.NewLogger(), 3)
	req := &Request{Method: http.MethodGet, URL: server.URL, WithCredentials: true}

	_, err := tr.Do(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sawCookie))

	_, err = tr.Do(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawCookie))
}

func TestEncodeBody_UnknownEncoding(t *testing.T) {
	_, _, err := encodeBody(&Request{Body: &Body{Encoding: "gzip"}})
	require.Error(t, err)
}

func TestNewChunkClient(t *testing.T) {
	for _, tt := range []struct {
		simultaneousUploads int
		wantConns           int
	}{
		{simultaneousUploads: 5, wantConns: 5},
		{simultaneousUploads: 0, wantConns: 1},
	} {
		client := NewChunkClient(tt.simultaneousUploads)
		assert.Zero(t, client.Timeout)

		tr, ok := client.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Equal(t, tt.wantConns, tr.MaxConnsPerHost)
		assert.Equal(t, tt.wantConns, tr.MaxIdleConnsPerHost)
		assert.Equal(t, 2*tt.wantConns, tr.MaxIdleConns)
	}
}

func TestNewHTTPTransport_SizedForSimultaneousUploads(t *testing.T) {
	tr := NewHTTPTransport(log.NewLogger(), 4)

	client, ok := tr.client.HTTPClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 4, client.MaxConnsPerHost)
	assert.Zero(t, tr.client.RetryMax)
}
