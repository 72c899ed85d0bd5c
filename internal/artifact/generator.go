// Package artifact builds the downloadable output of a finished task from its
// record and, when still available, its content snapshot.
package artifact

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-pdf/fpdf"

	"aegiscdr/internal/models"
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeText = "text/plain"

	// DefaultFilename is used when the task never produced a result name.
	DefaultFilename = "safe_file"

	defaultAnalysis     = "Standard preventative reconstruction performed."
	verdictLine         = "Verdict: THREATS REMOVED / CONTENT RECONSTRUCTED"
	contentMissing      = "[Original content data not available in this session]"
	undecodableText     = "Content could not be decoded as text."
	imageNotRendered    = "Error rendering image content."
	errorArtifactText   = "Error generating Safe PDF."
	watermarkText       = "SANITIZED"
	pageMargin          = 20.0
	watermarkFontSize   = 60.0
	watermarkAngle      = 45.0
	watermarkCenterX    = 105.0
	watermarkCenterY    = 150.0
	placeholderRectH    = 100.0
	placeholderRectTopY = 60.0
)

// Artifact is the generated output of a task.
type Artifact struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Generator renders artifacts. Compress toggles PDF stream compression.
type Generator struct {
	Compress bool
}

var defaultGenerator = Generator{Compress: true}

// Generate renders rec with the default generator.
func Generate(rec *models.TaskRecord) Artifact {
	return defaultGenerator.Generate(rec)
}

// Generate never fails: rendering problems produce a plain-text error artifact.
func (g Generator) Generate(rec *models.TaskRecord) Artifact {
	filename := rec.ResultFilename
	if filename == "" {
		filename = DefaultFilename
	}

	if !rec.Type.KeepsContent() {
		return Artifact{
			Data:        []byte(mediaWrapper(rec)),
			Filename:    filename,
			ContentType: ContentTypeText,
		}
	}

	data, err := g.renderPDF(rec)
	if err != nil {
		return Artifact{
			Data:        []byte(errorArtifactText),
			Filename:    filename,
			ContentType: ContentTypeText,
		}
	}
	return Artifact{Data: data, Filename: filename, ContentType: ContentTypePDF}
}

func mediaWrapper(rec *models.TaskRecord) string {
	status := "Cleaned"
	if rec.Status != models.StatusCompleted {
		status = "Failed"
	}
	return fmt.Sprintf("AEGIS CDR - SAFE MEDIA WRAPPER\nFile: %s\nStatus: %s\n\n(Media content wrapper structure)", rec.Filename, status)
}

func (g Generator) renderPDF(rec *models.TaskRecord) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("render pdf: %v", r)
		}
	}()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(g.Compress)
	pdf.SetCreator("Aegis CDR", false)
	pdf.SetTitle("AEGIS CDR - Reconstructed File", false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	writeReport(pdf, tr, rec)
	pdf.AddPage()
	writeWatermark(pdf)
	writeContent(pdf, tr, rec)

	if pdf.Err() {
		return nil, pdf.Error()
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeReport(pdf *fpdf.Fpdf, tr func(string) string, rec *models.TaskRecord) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetTextColor(79, 70, 229)
	pdf.Text(20, 25, "AEGIS CDR - Reconstructed File")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(71, 85, 105)
	pdf.Text(25, 40, tr("Source: "+rec.Filename))
	pdf.Text(25, 46, tr("Sanitization ID: "+rec.ID))

	pdf.SetFontSize(14)
	pdf.SetTextColor(30, 41, 59)
	pdf.Text(20, 60, "Threat Neutralization Report")

	analysis := rec.ThreatAnalysis
	if analysis == "" {
		analysis = defaultAnalysis
	}
	pdf.SetFontSize(10)
	pdf.SetTextColor(70, 70, 70)
	pdf.SetXY(pageMargin, 66)
	pdf.MultiCell(170, 5, tr(analysis), "", "L", false)

	pdf.SetTextColor(22, 101, 52)
	pdf.Text(20, pdf.GetY()+5, verdictLine)
}

func writeWatermark(pdf *fpdf.Fpdf) {
	pdf.SetFont("Helvetica", "", watermarkFontSize)
	pdf.SetTextColor(240, 240, 240)
	width := pdf.GetStringWidth(watermarkText)
	pdf.TransformBegin()
	pdf.TransformRotate(watermarkAngle, watermarkCenterX, watermarkCenterY)
	pdf.Text(watermarkCenterX-width/2, watermarkCenterY, watermarkText)
	pdf.TransformEnd()
}

func writeContent(pdf *fpdf.Fpdf, tr func(string) string, rec *models.TaskRecord) {
	if !rec.HasContent() {
		pdf.SetFont("Helvetica", "", 12)
		pdf.SetTextColor(150, 150, 150)
		pdf.Text(20, 20, contentMissing)
		return
	}

	switch rec.Type {
	case models.FileTypeImage:
		writeImage(pdf, rec.Content)
	case models.FileTypeDocument:
		if rec.MimeType == "text/plain" || strings.HasSuffix(rec.Filename, ".txt") {
			writeText(pdf, tr, rec.Content)
		} else {
			writePlaceholder(pdf)
		}
	}
}

// writeImage embeds JPEG, PNG and GIF snapshots scaled to fit inside the page
// margins. Malformed data leaves an error on pdf.
func writeImage(pdf *fpdf.Fpdf, content []byte) {
	var imageType string
	switch mimetype.Detect(content).String() {
	case "image/jpeg":
		imageType = "JPG"
	case "image/png":
		imageType = "PNG"
	case "image/gif":
		imageType = "GIF"
	default:
		pdf.SetFont("Helvetica", "", 12)
		pdf.SetTextColor(200, 0, 0)
		pdf.Text(20, 20, imageNotRendered)
		return
	}

	opts := fpdf.ImageOptions{ImageType: imageType}
	info := pdf.RegisterImageOptionsReader("content", opts, bytes.NewReader(content))
	if pdf.Err() || info == nil {
		return
	}
	pageW, pageH := pdf.GetPageSize()
	maxW, maxH := pageW-2*pageMargin, pageH-2*pageMargin
	w, h := info.Width(), info.Height()
	if w <= 0 || h <= 0 {
		pdf.SetError(fmt.Errorf("image has no dimensions"))
		return
	}
	scale := maxW / w
	if h*scale > maxH {
		scale = maxH / h
	}
	pdf.ImageOptions("content", pageMargin, pageMargin, w*scale, h*scale, false, opts, 0, "")
}

func writeText(pdf *fpdf.Fpdf, tr func(string) string, content []byte) {
	pdf.SetFont("Courier", "", 10)
	pdf.SetTextColor(0, 0, 0)
	if !utf8.Valid(content) {
		pdf.Text(20, 20, undecodableText)
		return
	}
	pageW, _ := pdf.GetPageSize()
	pdf.SetXY(pageMargin, pageMargin-4)
	pdf.MultiCell(pageW-2*pageMargin, 4.5, tr(string(content)), "", "L", false)
}

func writePlaceholder(pdf *fpdf.Fpdf) {
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Text(20, 30, "Content Reconstruction View")

	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(20, 45, "The original document structure has been flattened.")
	pdf.Text(20, 52, "This PDF guarantees safety by removing all executable scripts.")

	pdf.SetDrawColor(200, 200, 200)
	pdf.Rect(20, placeholderRectTopY, 170, placeholderRectH, "D")
	centered(pdf, 110, "[ Safe Content Placeholder ]")
	pdf.SetFontSize(10)
	centered(pdf, 120, "Full-fidelity rasterization of the source PDF/DOCX pages requires")
	centered(pdf, 125, "a native rendering engine, which is not available in this service.")
}

func centered(pdf *fpdf.Fpdf, y float64, text string) {
	pdf.Text(watermarkCenterX-pdf.GetStringWidth(text)/2, y, text)
}
