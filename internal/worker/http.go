package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cortex/internal/bus"
	"cortex/internal/httpclient"
)

// maxHTTPBody caps how much of a response body a job will read.
const maxHTTPBody int64 = 2 << 20

// runHTTP performs the envelope's request and returns the response body as
// text. HTML bodies are reduced to their readable content so agent callers
// get prose instead of markup.
func (w *Worker) runHTTP(ctx context.Context, env bus.JobDispatch) (string, error) {
	target := strings.TrimSpace(env.URL)
	if target == "" {
		return "", errors.New("http job carries no url")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("http job url %q must be http or https", target)
	}

	method := strings.ToUpper(strings.TrimSpace(env.Method))
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	for key, value := range env.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	body, err := httpclient.ReadBody(resp, maxHTTPBody)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: status %d", method, parsed.Host, resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return htmlToText(body)
	}
	return strings.TrimSpace(string(body)), nil
}

// htmlToText keeps the parts of a page a reader would want: the title,
// headings, paragraphs, and list items, one per line.
func htmlToText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, nav, footer").Remove()

	var lines []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		lines = append(lines, title)
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		// Pages built entirely from divs still deserve their text.
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.Join(lines, "\n"), nil
}
