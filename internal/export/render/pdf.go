package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	activity "activitylog/internal/activity/models"
	dErrors "activitylog/pkg/domain-errors"
)

// chromeNames are looked up on PATH when no explicit binary is configured.
var chromeNames = []string{
	"headless-shell", "chromium", "chromium-browser",
	"google-chrome", "google-chrome-stable", "chrome",
}

// PDF lays out at most PDFRowCap events as an HTML table and prints it with
// headless Chromium.
type PDF struct {
	execPath string
	timeout  time.Duration
	cap      int
	now      func() time.Time
	lookPath func(string) (string, error)
}

// PDFOption configures the PDF renderer.
type PDFOption func(*PDF)

// WithExecPath pins the Chromium binary.
func WithExecPath(path string) PDFOption {
	return func(p *PDF) { p.execPath = path }
}

// WithTimeout bounds one print.
func WithTimeout(d time.Duration) PDFOption {
	return func(p *PDF) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRowCap overrides PDFRowCap.
func WithRowCap(n int) PDFOption {
	return func(p *PDF) {
		if n > 0 {
			p.cap = n
		}
	}
}

// WithPDFClock replaces time.Now for the generated-at stamp.
func WithPDFClock(now func() time.Time) PDFOption {
	return func(p *PDF) { p.now = now }
}

func NewPDF(opts ...PDFOption) *PDF {
	p := &PDF{
		timeout:  2 * time.Minute,
		cap:      PDFRowCap,
		now:      time.Now,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ErrChromiumMissing is wrapped by the dependency error returned when no
// Chromium binary can be found.
var ErrChromiumMissing = errors.New("headless chromium not found")

func missingRenderer(cause error) error {
	return dErrors.Wrap(fmt.Errorf("%w: %w", ErrChromiumMissing, cause),
		dErrors.CodeRenderingDependency, "PDF rendering requires headless Chromium")
}

// Locate resolves the Chromium binary.
func (p *PDF) Locate() (string, error) {
	if p.execPath != "" {
		path, err := p.lookPath(p.execPath)
		if err != nil {
			return "", missingRenderer(err)
		}
		return path, nil
	}
	for _, name := range chromeNames {
		if path, err := p.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", missingRenderer(exec.ErrNotFound)
}

func (p *PDF) Render(ctx context.Context, w io.Writer, src Source, _ []string) (Result, error) {
	// Fail before touching the store when the renderer cannot run at all.
	execPath, err := p.Locate()
	if err != nil {
		return Result{}, err
	}
	events, res, err := collect(ctx, src, p.cap)
	if err != nil {
		return Result{}, err
	}
	html, err := p.HTML(events, res)
	if err != nil {
		return Result{}, fmt.Errorf("render html: %w", err)
	}
	buf, err := p.print(ctx, execPath, html)
	if err != nil {
		return res, err
	}
	if _, err := w.Write(buf); err != nil {
		return res, fmt.Errorf("write pdf: %w", err)
	}
	return res, nil
}

func (p *PDF) print(ctx context.Context, execPath, html string) ([]byte, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.ExecPath(execPath),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, p.timeout)
	defer cancelTimeout()

	var pdf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithLandscape(true).
				Do(ctx)
			if err == nil {
				pdf = buf
			}
			return err
		}),
	)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, missingRenderer(err)
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return pdf, nil
}

type pdfRow struct {
	Timestamp string
	Tenant    string
	Actor     string
	Role      string
	Verb      string
	Target    string
	Source    string
	Context   string
}

// HTML renders the document printed to PDF.
func (p *PDF) HTML(events []activity.Event, res Result) (string, error) {
	rows := make([]pdfRow, len(events))
	for i := range events {
		e := &events[i]
		rows[i] = pdfRow{
			Timestamp: e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			Tenant:    e.TenantID,
			Actor:     e.Actor.IDOrEmpty(),
			Role:      string(e.Actor.Role),
			Verb:      string(e.Verb),
			Target:    e.Target.Type + " " + e.Target.ID,
			Source:    string(e.Source),
			Context:   FieldValue(e, "context"),
		}
	}
	var marker string
	if n := res.Omitted(); n > 0 {
		marker = MoreMarker(n)
	}
	var buf bytes.Buffer
	err := pdfTemplate.Execute(&buf, struct {
		Generated string
		Rows      []pdfRow
		Total     int64
		Marker    string
	}{
		Generated: p.now().UTC().Format("2006-01-02 15:04 MST"),
		Rows:      rows,
		Total:     res.Total,
		Marker:    marker,
	})
	return buf.String(), err
}

var pdfTemplate = template.Must(template.New("activity").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <style>
    body { font-family: 'Helvetica Neue', Arial, sans-serif; margin: 16px; color: #0f172a; font-size: 10px; }
    h1 { font-size: 16px; margin: 0 0 4px; }
    .meta { color: #475569; margin-bottom: 12px; }
    table { width: 100%; border-collapse: collapse; table-layout: fixed; }
    th, td { padding: 4px; border-bottom: 1px solid #e2e8f0; text-align: left; vertical-align: top; word-wrap: break-word; }
    th { background: #f8fafc; }
    td.ctx { font-family: monospace; font-size: 8px; }
    .more { margin-top: 12px; font-weight: 700; }
  </style>
</head>
<body>
  <h1>Activity log</h1>
  <div class="meta">Generated {{.Generated}} &middot; {{.Total}} matching events</div>
  <table>
    <thead>
      <tr><th>Time (UTC)</th><th>Tenant</th><th>Actor</th><th>Role</th><th>Verb</th><th>Target</th><th>Source</th><th style="width:30%">Context</th></tr>
    </thead>
    <tbody>
    {{range .Rows}}
      <tr><td>{{.Timestamp}}</td><td>{{.Tenant}}</td><td>{{.Actor}}</td><td>{{.Role}}</td><td>{{.Verb}}</td><td>{{.Target}}</td><td>{{.Source}}</td><td class="ctx">{{.Context}}</td></tr>
    {{end}}
    </tbody>
  </table>
  {{if .Marker}}<div class="more">{{.Marker}}</div>{{end}}
</body>
</html>
`))
