package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/orekh/internal/xmpp"
)

// uploadServer plays both the upload component and the HTTP file store.
type uploadServer struct {
	http *httptest.Server

	mu   sync.Mutex
	body string
}

func newUploadServer(t *testing.T) *uploadServer {
	u := &uploadServer{}
	u.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.body = string(raw)
		u.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(u.http.Close)
	return u
}

func (u *uploadServer) respond(st *xmpp.Stanza) []*xmpp.Stanza {
	switch {
	case st.Child(xmpp.NSDiscoInfo, "query") != nil:
		q := xmpp.NewElement(xmpp.NSDiscoInfo, "query")
		if st.To == "upload.example.org" {
			q = q.WithChild(xmpp.NewElement("", "feature").WithAttr("var", xmpp.NSUpload))
		}
		return []*xmpp.Stanza{st.Result(q)}
	case st.Child(xmpp.NSUpload, "request") != nil:
		return []*xmpp.Stanza{st.Result(xmpp.NewElement(xmpp.NSUpload, "slot").WithChild(
			xmpp.NewElement("", "put").WithAttr("url", u.http.URL+"/put/notes.txt"),
			xmpp.NewElement("", "get").WithAttr("url", "https://files.example.org/get/notes.txt"),
		))}
	}
	return nil
}

func (u *uploadServer) Body() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.body
}

func TestUploadPublishesProgress(t *testing.T) {
	u := newUploadServer(t)
	h := newHarness(t, DefaultConfig(), u.respond)
	h.connect()
	var progress recorder[UploadProgress]
	h.e.OnUpload(progress.Add)

	content := "remember the milk"
	res := h.e.Upload(context.Background(), "notes.txt", "text/plain", int64(len(content)), strings.NewReader(content))
	require.NotNil(t, res)
	assert.Equal(t, "https://files.example.org/get/notes.txt", res.URL)
	assert.Equal(t, content, u.Body())

	got := progress.All()
	require.NotEmpty(t, got)
	assert.Equal(t, "notes.txt", got[len(got)-1].Filename)
	assert.Equal(t, 100, got[len(got)-1].Percent)
}

func TestUploadWithoutServiceFails(t *testing.T) {
	// The server offers no upload component at all.
	h := newHarness(t, DefaultConfig(), func(st *xmpp.Stanza) []*xmpp.Stanza {
		switch {
		case st.Child(xmpp.NSDiscoInfo, "query") != nil:
			return []*xmpp.Stanza{st.Result(xmpp.NewElement(xmpp.NSDiscoInfo, "query"))}
		case st.Child(xmpp.NSDiscoItems, "query") != nil:
			return []*xmpp.Stanza{st.Result(xmpp.NewElement(xmpp.NSDiscoItems, "query"))}
		}
		return nil
	})
	h.connect()

	assert.Nil(t, h.e.Upload(context.Background(), "a.txt", "text/plain", 1, strings.NewReader("a")))
}
