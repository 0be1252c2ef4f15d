package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/correlator"
	"github.com/meszmate/orekh/internal/xmpp"
)

// fakeServer answers disco and slot requests like an XMPP server would.
type fakeServer struct {
	mu       sync.Mutex
	requests []*xmpp.Stanza

	// uploadAt is the address offering upload; empty disables it.
	uploadAt string
	items    []string
	maxSize  string
	putURL   string
	serviceErr error
}

func (f *fakeServer) SendAndWait(_ context.Context, req *xmpp.Stanza, _ time.Duration) (*xmpp.Stanza, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	switch {
	case req.Child(xmpp.NSDiscoInfo, "query") != nil:
		if f.serviceErr != nil && req.To == "upload.example.com" {
			return nil, f.serviceErr
		}
		q := xmpp.NewElement(xmpp.NSDiscoInfo, "query")
		if req.To == f.uploadAt {
			q = q.WithChild(xmpp.NewElement("", "feature").WithAttr("var", xmpp.NSUpload))
			if f.maxSize != "" {
				q = q.WithChild(xmpp.NewElement(xmpp.NSDataForm, "x").WithAttr("type", "result").WithChild(
					xmpp.NewElement("", "field").WithAttr("var", "FORM_TYPE").WithChild(xmpp.NewElement("", "value").WithText(xmpp.NSUpload)),
					xmpp.NewElement("", "field").WithAttr("var", "max-file-size").WithChild(xmpp.NewElement("", "value").WithText(f.maxSize)),
				))
			}
		}
		return req.Result(q), nil
	case req.Child(xmpp.NSDiscoItems, "query") != nil:
		q := xmpp.NewElement(xmpp.NSDiscoItems, "query")
		for _, it := range f.items {
			q = q.WithChild(xmpp.NewElement("", "item").WithAttr("jid", it))
		}
		return req.Result(q), nil
	case req.Child(xmpp.NSUpload, "request") != nil:
		return req.Result(xmpp.NewElement(xmpp.NSUpload, "slot").WithChild(
			xmpp.NewElement("", "put").WithAttr("url", f.putURL).WithChild(
				xmpp.NewElement("", "header").WithAttr("name", "Authorization").WithText("Bearer t0k"),
				xmpp.NewElement("", "header").WithAttr("name", "X-Evil").WithText("nope"),
			),
			xmpp.NewElement("", "get").WithAttr("url", "https://files.example.com/get/a.txt"),
		)), nil
	}
	return req.ErrorReply("cancel", "service-unavailable"), nil
}

func (f *fakeServer) count(match func(*xmpp.Stanza) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if match(r) {
			n++
		}
	}
	return n
}

func isSlotRequest(st *xmpp.Stanza) bool { return st.Child(xmpp.NSUpload, "request") != nil }
func isInfoQuery(st *xmpp.Stanza) bool   { return st.Child(xmpp.NSDiscoInfo, "query") != nil }

type putRecorder struct {
	mu      sync.Mutex
	puts    int
	body    []byte
	headers http.Header
}

func (p *putRecorder) server(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.puts++
		p.body = body
		p.headers = r.Header.Clone()
		p.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newNegotiator(t *testing.T, srv *fakeServer) *Negotiator {
	return NewNegotiator(srv, nil, nil, zaptest.NewLogger(t), Config{
		Service:          jid.MustParse("upload.example.com"),
		Domain:           jid.MustParse("example.com"),
		ProbeTimeout:     time.Second,
		SlotTimeout:      time.Second,
		HTTPTimeout:      5 * time.Second,
		ProgressInterval: time.Nanosecond,
	})
}

func TestUploadViaWellKnownService(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusCreated)
	srv := &fakeServer{uploadAt: "upload.example.com", putURL: httpSrv.URL + "/put/a.txt"}
	n := newNegotiator(t, srv)

	var progress []int
	data := bytes.Repeat([]byte("x"), 4096)
	res := n.Upload(context.Background(), "a.txt", "text/plain", int64(len(data)), bytes.NewReader(data), func(p int) {
		progress = append(progress, p)
	})

	require.NotNil(t, res)
	assert.Equal(t, "https://files.example.com/get/a.txt", res.URL)
	assert.Equal(t, data, rec.body)
	assert.Equal(t, "Bearer t0k", rec.headers.Get("Authorization"))
	assert.Empty(t, rec.headers.Get("X-Evil"))
	assert.Equal(t, "text/plain", rec.headers.Get("Content-Type"))

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}

	// No items walk was needed.
	assert.Equal(t, 0, srv.count(func(st *xmpp.Stanza) bool { return st.Child(xmpp.NSDiscoItems, "query") != nil }))
}

func TestDiscoveryFallsBackToItemsAndShortCircuits(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusOK)
	srv := &fakeServer{
		uploadAt: "share.example.com",
		items:    []string{"conference.example.com", "share.example.com", "files.example.com"},
		putURL:   httpSrv.URL,
		serviceErr: correlator.ErrTimeout,
	}
	n := newNegotiator(t, srv)

	svc, err := n.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "share.example.com", svc.String())

	// conference is not a candidate; files is never reached.
	assert.Equal(t, 0, srv.count(func(st *xmpp.Stanza) bool { return isInfoQuery(st) && st.To == "conference.example.com" }))
	assert.Equal(t, 0, srv.count(func(st *xmpp.Stanza) bool { return isInfoQuery(st) && st.To == "files.example.com" }))

	// Cached for the session.
	before := srv.count(func(*xmpp.Stanza) bool { return true })
	_, err = n.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, srv.count(func(*xmpp.Stanza) bool { return true }))
}

func TestDiscoveryFailureReturnsNilWithoutPut(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusOK)
	srv := &fakeServer{items: []string{"conference.example.com"}, putURL: httpSrv.URL}
	n := newNegotiator(t, srv)

	res := n.Upload(context.Background(), "a.txt", "", 3, bytes.NewReader([]byte("abc")), nil)
	assert.Nil(t, res)
	assert.Equal(t, 0, rec.puts)
	assert.Equal(t, 0, srv.count(isSlotRequest))
}

func TestTooLargeSkipsSlotRequest(t *testing.T) {
	srv := &fakeServer{uploadAt: "upload.example.com", maxSize: "10"}
	n := newNegotiator(t, srv)

	res := n.Upload(context.Background(), "big.bin", "", 11, bytes.NewReader(make([]byte, 11)), nil)
	assert.Nil(t, res)
	assert.Equal(t, 0, srv.count(isSlotRequest))

	_, limit, ok := n.Service()
	assert.True(t, ok)
	assert.Equal(t, int64(10), limit)
}

func TestRejectedPutReturnsNil(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusForbidden)
	srv := &fakeServer{uploadAt: "upload.example.com", putURL: httpSrv.URL}
	n := newNegotiator(t, srv)

	var final int
	res := n.Upload(context.Background(), "a.txt", "", 3, bytes.NewReader([]byte("abc")), func(p int) { final = p })
	assert.Nil(t, res)
	assert.Equal(t, 1, rec.puts)
	assert.Less(t, final, 100)
}

func TestConcurrentUploadsShareDiscovery(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusOK)
	srv := &fakeServer{uploadAt: "upload.example.com", putURL: httpSrv.URL}
	n := newNegotiator(t, srv)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.Upload(context.Background(), "a.txt", "", 1, bytes.NewReader([]byte("a")), nil) != nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.LessOrEqual(t, srv.count(isInfoQuery), 5)
	assert.Equal(t, 5, srv.count(isSlotRequest))
}

func TestUploadFile(t *testing.T) {
	rec := &putRecorder{}
	httpSrv := rec.server(t, http.StatusOK)
	srv := &fakeServer{uploadAt: "upload.example.com", putURL: httpSrv.URL}
	n := newNegotiator(t, srv)

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	res := n.UploadFile(context.Background(), path, nil)
	require.NotNil(t, res)
	assert.Equal(t, "photo.png", res.Filename)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, []byte("png"), rec.body)

	assert.Nil(t, n.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), nil))
}

func TestParseSlotRequiresURLs(t *testing.T) {
	_, err := ParseSlot(xmpp.NewIQ(xmpp.IQResult, "", xmpp.NewElement(xmpp.NSUpload, "slot")))
	assert.Error(t, err)
}
