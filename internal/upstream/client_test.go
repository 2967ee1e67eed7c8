package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryJSON = `[
	{"room":{"room_id_hash":"AAAA"},"report_id":"r1","report_info":{"tags":["spam"]}},
	{"room":{"room_id_hash":"bbbb"},"report_id":"r2","report_info":{"tags":["other"]}},
	{"room":{"room_id_hash":""},"report_id":"r3","report_info":{"tags":["spam"]}},
	{"room":{"room_id_hash":"cccc"},"report_id":"","report_info":{"tags":["spam"]}},
	{"room":{"room_id_hash":"dddd"},"report_id":"r4","report_info":{"tags":["other","csam"]}}
]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelopeBody(t *testing.T, content string) []byte {
	t.Helper()
	enc := base64.StdEncoding.EncodeToString([]byte(content))
	// Wrap like the hosting API does.
	var wrapped strings.Builder
	for len(enc) > 60 {
		wrapped.WriteString(enc[:60] + "\n")
		enc = enc[60:]
	}
	wrapped.WriteString(enc)
	b, err := json.Marshal(map[string]string{"content": wrapped.String(), "encoding": "base64"})
	require.NoError(t, err)
	return b
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		SourceURL:    srv.URL + "/repos/org/registry",
		Token:        "secret",
		FilePath:     "rooms.json",
		FilteredTags: []string{"spam", "csam"},
	}, discardLogger())
	require.NoError(t, err)
	return c
}

func TestClientFetchRecords(t *testing.T) {
	body := envelopeBody(t, registryJSON)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/repos/org/registry/contents/rooms.json", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "redlight/"))
		w.Write(body)
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv).FetchRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "aaaa", records[0].RoomHash, "hashes are lowercased")
	assert.Equal(t, "r1", records[0].ReportID)
	assert.Equal(t, "dddd", records[1].RoomHash)
}

func TestClientConditionalFetch(t *testing.T) {
	body := envelopeBody(t, registryJSON)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchRecords(context.Background())
	require.NoError(t, err)

	_, err = c.FetchRecords(context.Background())
	require.ErrorIs(t, err, ErrNotModified)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientFetchErrors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name:    "non 2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			status:  http.StatusForbidden,
		},
		{
			name:    "missing content",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"encoding":"base64"}`)) },
		},
		{
			name:    "unsupported encoding",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"content":"abc","encoding":"none"}`)) },
		},
		{
			name:    "bad base64",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"content":"!!!","encoding":"base64"}`)) },
		},
		{
			name:    "envelope is not json",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`<html>`)) },
		},
		{
			name: "content is not a record array",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write(envelopeBody(t, `{"not":"an array"}`))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			records, err := newTestClient(t, srv).FetchRecords(context.Background())
			require.Error(t, err)
			assert.Nil(t, records)

			var fe *FetchError
			require.True(t, errors.As(err, &fe), "got %T", err)
			assert.Equal(t, tc.status, fe.StatusCode)
		})
	}

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		c := newTestClient(t, srv)
		srv.Close()

		_, err := c.FetchRecords(context.Background())
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "get", fe.Op)
	})
}

func TestClientKeepsETagOnlyAfterParse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("If-None-Match") != "" {
			t.Errorf("request %d sent a validator for an unparsed body", n)
		}
		w.Header().Set("ETag", `"broken"`)
		w.Write(envelopeBody(t, `not json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	for range 2 {
		_, err := c.FetchRecords(context.Background())
		require.Error(t, err)
	}
}
