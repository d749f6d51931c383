package widget

import (
	"strings"
	"testing"
)

const base = "http://127.0.0.1:8088"

func TestRewriteHTMLInjectsBaseAndStyleOnce(t *testing.T) {
	in := `<html><head><title>t</title></head><body>hi</body></html>`
	out, resources := rewriteHTML(in, base)

	if len(resources) != 0 {
		t.Fatalf("expected no resources, got %v", resources)
	}
	if !strings.Contains(out, `<base href="`+base+`/cache/media/">`) {
		t.Fatalf("expected injected base tag, got %q", out)
	}
	if !strings.Contains(out, styleMarker) {
		t.Fatalf("expected injected style marker, got %q", out)
	}

	// Idempotency: re-processing must not duplicate either injection.
	out2, _ := rewriteHTML(out, base)
	if strings.Count(out2, "<base ") != 1 {
		t.Fatalf("expected exactly one <base> tag after reprocessing, got %q", out2)
	}
	if strings.Count(out2, styleMarker) != 1 {
		t.Fatalf("expected exactly one style marker after reprocessing, got %q", out2)
	}
}

func TestRewriteHTMLRewritesSignedResourceURLs(t *testing.T) {
	in := `<html><head></head><body>` +
		`<script src="https://cms.example.com/xmds.php?file=bundle.min.js"></script>` +
		`<link rel="stylesheet" href="https://cms.example.com/pwa/file?file=fonts.css">` +
		`</body></html>`

	out, resources := rewriteHTML(in, base)

	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d: %v", len(resources), resources)
	}
	if !strings.Contains(out, base+"/cache/static/bundle.min.js") {
		t.Fatalf("expected rewritten script src, got %q", out)
	}
	if !strings.Contains(out, base+"/cache/static/fonts.css") {
		t.Fatalf("expected rewritten link href, got %q", out)
	}
	if strings.Contains(out, "cms.example.com") {
		t.Fatalf("expected no remaining CMS URLs, got %q", out)
	}

	// Idempotency: re-processing must not double-rewrite an already-local URL.
	out2, resources2 := rewriteHTML(out, base)
	if len(resources2) != 0 {
		t.Fatalf("expected no new resources on reprocessing, got %v", resources2)
	}
	if out2 != out {
		t.Fatalf("reprocessing an already-rewritten document changed it unexpectedly:\nfirst:  %q\nsecond: %q", out, out2)
	}
}

func TestRewriteHTMLRewritesHostAddress(t *testing.T) {
	in := `<html><head></head><body><script>var cfg = {hostAddress: "https://cms.example.com"};</script></body></html>`
	out, _ := rewriteHTML(in, base)

	if !strings.Contains(out, `hostAddress: "`+base+`/ic"`) {
		t.Fatalf("expected rewritten hostAddress, got %q", out)
	}
}

func TestRewriteHTMLPrependsWhenNoHead(t *testing.T) {
	in := `<body>hi</body>`
	out, _ := rewriteHTML(in, base)

	if !strings.HasPrefix(out, `<base href="`+base+`/cache/media/">`) {
		t.Fatalf("expected base tag prepended, got %q", out)
	}
	if !strings.Contains(out, styleMarker) {
		t.Fatalf("expected style snippet present, got %q", out)
	}
}

func TestRewriteURLsDedupesRepeatedFilename(t *testing.T) {
	css := `@font-face{src:url(https://cms.example.com/xmds.php?file=font.woff)}` +
		`.x{background:url(https://cms.example.com/xmds.php?file=font.woff)}`

	out, resources := rewriteURLs(css, base)

	if len(resources) != 1 {
		t.Fatalf("expected 1 deduplicated resource, got %d: %v", len(resources), resources)
	}
	if strings.Contains(out, "cms.example.com") {
		t.Fatalf("expected all occurrences rewritten, got %q", out)
	}
}
