package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/disco"
)

var (
	// ErrNoService means neither the well-known address nor any advertised
	// service offers HTTP upload.
	ErrNoService = errors.New("upload: no upload service")
	// ErrTooLarge means the file exceeds the service's advertised limit.
	ErrTooLarge = errors.New("upload: file too large")
)

// allowedHeaders are the only slot headers forwarded on the PUT.
var allowedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Expires":       true,
}

// Slot represents an HTTP upload slot
type Slot struct {
	GetURL  string
	PutURL  string
	Headers map[string]string
}

// Result describes a finished upload.
type Result struct {
	URL         string
	Filename    string
	Size        int64
	ContentType string
}

// Config tunes the negotiator.
type Config struct {
	// Service is the well-known upload address probed first.
	Service jid.JID
	// Domain is the account's server, whose items are searched when the
	// probe fails.
	Domain       jid.JID
	ProbeTimeout time.Duration
	SlotTimeout  time.Duration
	HTTPTimeout  time.Duration
	// ProgressInterval bounds how often progress is reported.
	ProgressInterval time.Duration
}

// Negotiator discovers the upload service, requests slots and performs the
// transfer. Discovery is shared between concurrent uploads and cached until
// Reset.
type Negotiator struct {
	disco  *disco.Client
	req    disco.Requester
	client *http.Client
	logger *zap.Logger
	cfg    Config

	group singleflight.Group

	mu      sync.RWMutex
	service jid.JID
	maxSize int64
	found   bool
}

// NewNegotiator creates a negotiator. A nil client uses one with
// cfg.HTTPTimeout.
func NewNegotiator(req disco.Requester, dc *disco.Client, client *http.Client, logger *zap.Logger, cfg Config) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 100 * time.Millisecond
	}
	if dc == nil {
		dc = disco.NewClient(req, nil)
	}
	return &Negotiator{
		disco:  dc,
		req:    req,
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Service returns the discovered upload service, if any.
func (n *Negotiator) Service() (jid.JID, int64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.service, n.maxSize, n.found
}

// Reset forgets the discovered service, as when a new session starts.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.service = jid.JID{}
	n.maxSize = 0
	n.found = false
	n.disco.Cache().Clear()
}

// Discover finds the upload service: first the well-known address, then
// each advertised item whose name suggests uploads, stopping at the first
// confirmed match.
func (n *Negotiator) Discover(ctx context.Context) (jid.JID, error) {
	if svc, _, ok := n.Service(); ok {
		return svc, nil
	}

	v, err, _ := n.group.Do("discover", func() (any, error) {
		if svc, _, ok := n.Service(); ok {
			return svc, nil
		}
		svc, info, err := n.discover(ctx)
		if err != nil {
			return nil, err
		}
		var limit int64
		if raw := info.FormValue(xmpp.NSUpload, "max-file-size"); raw != "" {
			limit, _ = strconv.ParseInt(raw, 10, 64)
		}
		n.mu.Lock()
		n.service, n.maxSize, n.found = svc, limit, true
		n.mu.Unlock()
		n.logger.Info("upload service discovered", zap.String("service", svc.String()), zap.Int64("max_size", limit))
		return svc, nil
	})
	if err != nil {
		return jid.JID{}, err
	}
	return v.(jid.JID), nil
}

func (n *Negotiator) discover(ctx context.Context) (jid.JID, *disco.Info, error) {
	if n.cfg.Service.String() != "" {
		info, err := n.disco.Info(ctx, n.cfg.Service, n.cfg.ProbeTimeout)
		if err == nil && info.HasFeature(disco.FeatureHTTPUpload) {
			return n.cfg.Service, info, nil
		}
		n.logger.Debug("well-known upload service unavailable",
			zap.String("service", n.cfg.Service.String()), zap.Error(err))
	}

	items, err := n.disco.Items(ctx, n.cfg.Domain, n.cfg.ProbeTimeout)
	if err != nil {
		return jid.JID{}, nil, fmt.Errorf("list services: %w", err)
	}
	for _, item := range items {
		if !suggestsUpload(item) || item.JID.Equal(n.cfg.Service) {
			continue
		}
		info, err := n.disco.Info(ctx, item.JID, n.cfg.ProbeTimeout)
		if err != nil {
			n.logger.Debug("upload candidate failed", zap.String("service", item.JID.String()), zap.Error(err))
			continue
		}
		if info.HasFeature(disco.FeatureHTTPUpload) {
			return item.JID, info, nil
		}
	}
	return jid.JID{}, nil, ErrNoService
}

func suggestsUpload(item disco.Item) bool {
	s := strings.ToLower(item.Name + " " + item.JID.String())
	for _, hint := range []string{"upload", "file", "http", "share"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

// RequestSlot asks the service for a one-time upload slot.
func (n *Negotiator) RequestSlot(ctx context.Context, service jid.JID, filename string, size int64, contentType string) (*Slot, error) {
	req := xmpp.NewIQ(xmpp.IQGet, service.String(), xmpp.NewElement(xmpp.NSUpload, "request").
		WithAttr("filename", filename).
		WithAttr("size", strconv.FormatInt(size, 10)).
		WithAttr("content-type", contentType))

	reply, err := n.req.SendAndWait(ctx, req, n.cfg.SlotTimeout)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("slot request: %w", err)
	}
	return ParseSlot(reply)
}

// ParseSlot reads a slot result, keeping only the headers that may be
// forwarded.
func ParseSlot(st *xmpp.Stanza) (*Slot, error) {
	el := st.Child(xmpp.NSUpload, "slot")
	put := el.Child("", "put")
	get := el.Child("", "get")
	if put.Attr("url") == "" || get.Attr("url") == "" {
		return nil, errors.New("slot without put or get url")
	}
	slot := &Slot{
		PutURL:  put.Attr("url"),
		GetURL:  get.Attr("url"),
		Headers: make(map[string]string),
	}
	for i := range put.Children {
		h := &put.Children[i]
		if !h.Is("", "header") {
			continue
		}
		name := http.CanonicalHeaderKey(h.Attr("name"))
		if !allowedHeaders[name] {
			continue
		}
		slot.Headers[name] = strings.NewReplacer("\r", "", "\n", "").Replace(h.Text)
	}
	return slot, nil
}

// Upload negotiates a slot and transfers size bytes from body, reporting
// whole percentages to progress (may be nil). Any failure yields nil.
func (n *Negotiator) Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader, progress func(int)) *Result {
	logger := n.logger.With(zap.String("filename", filename), zap.Int64("size", size))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if progress == nil {
		progress = func(int) {}
	}

	res, err := n.upload(ctx, filename, contentType, size, body, progress)
	if err != nil {
		logger.Warn("upload failed", zap.Error(err))
		metrics.RecordUpload("failed", 0)
		return nil
	}
	metrics.RecordUpload("ok", size)
	return res
}

func (n *Negotiator) upload(ctx context.Context, filename, contentType string, size int64, body io.Reader, progress func(int)) (*Result, error) {
	service, err := n.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if _, limit, _ := n.Service(); limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, limit)
	}

	slot, err := n.RequestSlot(ctx, service, filename, size, contentType)
	if err != nil {
		return nil, err
	}
	if err := n.put(ctx, slot, contentType, size, body, progress); err != nil {
		return nil, err
	}
	return &Result{URL: slot.GetURL, Filename: filename, Size: size, ContentType: contentType}, nil
}

func (n *Negotiator) put(ctx context.Context, slot *Slot, contentType string, size int64, body io.Reader, progress func(int)) error {
	pr := &progressReader{
		r:     body,
		total: size,
		last:  -1,
		every: rate.Sometimes{Interval: n.cfg.ProgressInterval},
		emit:  progress,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size
	for k, v := range slot.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload failed with status: %d", resp.StatusCode)
	}
	progress(100)
	return nil
}

// UploadFile uploads a file from disk.
func (n *Negotiator) UploadFile(ctx context.Context, path string, progress func(int)) *Result {
	file, err := os.Open(path)
	if err != nil {
		n.logger.Warn("failed to open file", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		n.logger.Warn("failed to stat file", zap.String("path", path), zap.Error(err))
		return nil
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return n.Upload(ctx, filepath.Base(path), mimeType, stat.Size(), file, progress)
}

// progressReader reports transfer percentages, throttled, excluding 100
// which is only reported once the server accepted the body.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	every rate.Sometimes
	emit  func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct != p.last {
			p.every.Do(func() {
				p.last = pct
				p.emit(pct)
			})
		}
	}
	return n, err
}
