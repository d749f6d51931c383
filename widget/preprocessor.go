package widget

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/logger"
	"github.com/xibosignage/cachecore/model"
)

// fetchState is one entry of the in-flight single-flight map described in
// spec.md §9 ("Dedup of concurrent static fetches... in_flight:
// map<filename, shared-future<()>>"), grounded on the teacher's
// sync.WaitGroup worker-pool idiom (verify/verify.go) but adapted to a
// single-flight shape since resources arrive one at a time during HTML
// rewriting rather than as a known-size batch.
type fetchState struct {
	once sync.Once
	err  error
}

// Preprocessor implements WidgetHtmlPreprocessor (§4.7).
type Preprocessor struct {
	store  *contentstore.Store
	client *http.Client
	base   string // {BASE} prefix, e.g. "http://127.0.0.1:8088"

	mu       sync.Mutex
	inflight map[string]*fetchState
}

// New creates a Preprocessor. base is the deployment-dependent {BASE}
// prefix used to compute local cache/proxy URLs (§6).
func New(store *contentstore.Store, client *http.Client, base string) *Preprocessor {
	return &Preprocessor{
		store:    store,
		client:   client,
		base:     strings.TrimSuffix(base, "/"),
		inflight: make(map[string]*fetchState),
	}
}

// CacheWidgetHtml rewrites html for the widget identified by
// layoutId/regionId/mediaId, fetches and caches every discovered static
// resource, and publishes the rewritten HTML to ContentStore under
// widget/{layoutId}/{regionId}/{mediaId} (§4.7 steps 1-6). Returns the
// rewritten HTML.
func (p *Preprocessor) CacheWidgetHtml(ctx context.Context, layoutID, regionID, mediaID, htmlIn string) (string, error) {
	rewritten, resources := rewriteHTML(htmlIn, p.base)

	var wg sync.WaitGroup
	errs := make([]error, len(resources))
	for i, res := range resources {
		wg.Add(1)
		go func(i int, res Resource) {
			defer wg.Done()
			errs[i] = p.fetchAndStoreOnce(ctx, res.Filename, res.OriginalURL)
		}(i, res)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			logger.Warn("widget: static resource fetch failed, html still published",
				"filename", resources[i].Filename, "err", err)
		}
	}

	ref := model.FileRef{
		Type:     model.TypeWidget,
		ID:       fmt.Sprintf("%s/%s/%s", layoutID, regionID, mediaID),
		Filename: "index.html",
	}
	if _, err := p.store.Put(ref, []byte(rewritten), "text/html"); err != nil {
		return "", fmt.Errorf("publish widget html: %w", err)
	}
	return rewritten, nil
}

// fetchAndStoreOnce fetches originalURL and stores it under
// static/{filename}, deduplicating concurrent requests for the same
// filename behind a sync.Once (§9 "Dedup of concurrent static fetches").
// Late callers block on the once and observe the same error the first
// caller saw rather than re-fetching.
func (p *Preprocessor) fetchAndStoreOnce(ctx context.Context, filename, originalURL string) error {
	p.mu.Lock()
	fs, ok := p.inflight[filename]
	if !ok {
		fs = &fetchState{}
		p.inflight[filename] = fs
	}
	p.mu.Unlock()

	fs.once.Do(func() {
		fs.err = p.fetchAndStore(ctx, filename, originalURL)
	})
	return fs.err
}

// fetchAndStore performs the actual HTTP GET and ContentStore.Put for one
// static resource. For CSS (by filename extension), it additionally
// rewrites and recursively caches any font URLs the stylesheet
// references (§4.7 step 5).
func (p *Preprocessor) fetchAndStore(ctx context.Context, filename, originalURL string) error {
	ref := model.FileRef{Type: model.TypeStatic, ID: filename, Filename: filename}
	if p.store.Has(ref) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originalURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", filename, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	contentType := contentTypeByExtension(filename)
	if strings.HasSuffix(strings.ToLower(filename), ".css") {
		body = p.cacheFontsInCSS(ctx, body)
		contentType = "text/css"
	}

	if _, err := p.store.Put(ref, body, contentType); err != nil {
		return fmt.Errorf("store %s: %w", filename, err)
	}
	return nil
}

// contentTypeByExtension derives a static resource's content-type from its
// filename extension (§4.7 step 5), rather than sniffing the fetched
// bytes: a CMS-signed URL's body is trusted once its filename is known.
func contentTypeByExtension(filename string) string {
	ct := mime.TypeByExtension(filepath.Ext(filename))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// cacheFontsInCSS rewrites CMS-signed font URLs inside a CSS document to
// local cache paths and fetches each one (§4.7 step 5, "recursively cache
// those fonts"). Font fetch failures are logged and skipped; the CSS is
// still published with its rewritten URLs.
func (p *Preprocessor) cacheFontsInCSS(ctx context.Context, css []byte) []byte {
	rewritten, fonts := rewriteURLs(string(css), p.base)

	var wg sync.WaitGroup
	for _, font := range fonts {
		wg.Add(1)
		go func(font Resource) {
			defer wg.Done()
			if err := p.fetchAndStoreOnce(ctx, font.Filename, font.OriginalURL); err != nil {
				logger.Warn("widget: font fetch failed", "filename", font.Filename, "err", err)
			}
		}(font)
	}
	wg.Wait()

	return []byte(rewritten)
}
