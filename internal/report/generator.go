package report

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/notify"
	"github.com/reportsched/internal/recurrence"
)

//go:embed templates/*.html
var templateFS embed.FS

// Document is a rendered report.
type Document struct {
	Subject  string
	HTML     []byte
	FileName string
}

// Renderer turns a report request into a document. Template storage and
// business-data rendering live behind this interface.
type Renderer interface {
	Render(ctx context.Context, req models.ReportRequest) (*Document, error)
}

type reportData struct {
	models.ReportRequest
	Subject     string
	PeriodLabel string
	GeneratedAt time.Time
}

// TemplateRenderer renders a summary page with html/template.
type TemplateRenderer struct {
	tmpl *template.Template
	now  func() time.Time
}

func NewTemplateRenderer() (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/report.html")
	if err != nil {
		return nil, fmt.Errorf("failed to load report template: %w", err)
	}
	return &TemplateRenderer{tmpl: tmpl, now: time.Now}, nil
}

func (r *TemplateRenderer) Render(_ context.Context, req models.ReportRequest) (*Document, error) {
	loc, err := recurrence.LoadLocation(req.Timezone)
	if err != nil {
		loc = time.UTC
	}
	period := req.ScheduledFor.In(loc)
	data := reportData{
		ReportRequest: req,
		Subject:       fmt.Sprintf("%s %s report (%s)", req.Name, req.Frequency, period.Format("2006-01-02")),
		PeriodLabel:   period.Format("2006-01-02 15:04 MST"),
		GeneratedAt:   r.now().In(loc),
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return &Document{
		Subject:  data.Subject,
		HTML:     buf.Bytes(),
		FileName: fmt.Sprintf("%s-%s.html", slug(req.Name), period.Format("20060102-1504")),
	}, nil
}

// Generator renders a report and hands it to the deliverer registered for
// the schedule's delivery method.
type Generator struct {
	renderer   Renderer
	deliverers map[models.DeliveryMethod]notify.Deliverer
	log        *zap.SugaredLogger
}

func NewGenerator(renderer Renderer, log *zap.SugaredLogger) *Generator {
	return &Generator{
		renderer:   renderer,
		deliverers: make(map[models.DeliveryMethod]notify.Deliverer),
		log:        logging.Named(log, "report"),
	}
}

// Register sets the deliverer for method, replacing any previous one.
func (g *Generator) Register(method models.DeliveryMethod, d notify.Deliverer) {
	g.deliverers[method] = d
}

func (g *Generator) Generate(ctx context.Context, req models.ReportRequest) error {
	d, ok := g.deliverers[req.DeliveryMethod]
	if !ok {
		return errors.Newf("no deliverer configured for %q", req.DeliveryMethod)
	}

	doc, err := g.renderer.Render(ctx, req)
	if err != nil {
		return errors.Wrap(err, "render report")
	}

	r := &notify.Report{
		ScheduleID:   req.ScheduleID,
		ExecutionID:  req.ExecutionID,
		Name:         req.Name,
		Subject:      doc.Subject,
		HTML:         doc.HTML,
		FileName:     doc.FileName,
		IncludeFile:  req.IncludeFile,
		Recipients:   req.Recipients,
		WebhookURL:   req.WebhookURL,
		ScheduledFor: req.ScheduledFor,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := d.Deliver(ctx, r); err != nil {
		return errors.Wrapf(err, "deliver report via %s", req.DeliveryMethod)
	}

	g.log.Debugw("Report delivered",
		logging.FieldScheduleID, req.ScheduleID,
		logging.FieldExecutionID, req.ExecutionID,
		logging.FieldMethod, req.DeliveryMethod)
	return nil
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "report"
	}
	return s
}
