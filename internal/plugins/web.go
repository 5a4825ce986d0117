package plugins

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cortex/internal/httpclient"
	"cortex/internal/logging"
	"cortex/internal/tools"
)

const (
	defaultWebTimeout  = 30 * time.Second
	defaultMaxBody     = 2 << 20
	defaultMaxOutRunes = 8000
	maxRedirects       = 10
)

// WebConfig tunes the web plugin.
type WebConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// Web fetches pages and reduces their HTML to readable text.
type Web struct {
	client  *http.Client
	maxBody int64
	agent   string
}

// NewWeb builds the web plugin.
func NewWeb(cfg WebConfig, logger logging.Logger) *Web {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cortex-brain/1.0"
	}
	client := httpclient.New(cfg.Timeout, logger)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &Web{client: client, maxBody: cfg.MaxBodyBytes, agent: cfg.UserAgent}
}

func (w *Web) Name() string { return "web" }

func (w *Web) Tools() []tools.Definition {
	return []tools.Definition{{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its readable text: title, headings, paragraphs, and list items. Pass a CSS selector to extract specific elements instead.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"url":      {Type: "string", Description: "Page URL, http or https."},
			"selector": {Type: "string", Description: "Optional CSS selector; returns only matching elements' text."},
		}, "url"),
	}}
}

func (w *Web) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if name != "fetch_page" {
		return "", fmt.Errorf("web plugin has no tool %q", name)
	}
	raw, _ := args["url"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return "", fmt.Errorf("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", w.agent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	body, err := httpclient.ReadBody(resp, w.maxBody)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", target.Host, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		return clip(strings.TrimSpace(string(body)), defaultMaxOutRunes), nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", target.Host, err)
	}

	selector, _ := args["selector"].(string)
	if selector = strings.TrimSpace(selector); selector != "" {
		return w.extractSelection(doc, selector)
	}
	return clip(readableText(doc), defaultMaxOutRunes), nil
}

func (w *Web) extractSelection(doc *goquery.Document, selector string) (string, error) {
	var parts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return "", fmt.Errorf("selector %q matched nothing", selector)
	}
	return clip(strings.Join(parts, "\n"), defaultMaxOutRunes), nil
}

// readableText walks the document in order and keeps the elements that carry
// prose: the title, headings, paragraphs, and list items.
func readableText(doc *goquery.Document) string {
	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	doc.Find("script, style, nav, footer, noscript, iframe").Remove()
	doc.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "li":
			fmt.Fprintf(&b, "- %s\n", text)
		case "p":
			b.WriteString(text)
			b.WriteString("\n\n")
		default:
			fmt.Fprintf(&b, "# %s\n", text)
		}
	})
	return strings.TrimSpace(b.String())
}

func clip(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "\n[truncated]"
}
