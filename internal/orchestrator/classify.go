package orchestrator

import (
	"regexp"
	"strings"

	"aegiscdr/internal/models"
)

// DefaultMimeType is recorded when the client sent no content type.
const DefaultMimeType = "text/plain"

var documentExtension = regexp.MustCompile(`(?i)\.(doc|docx|xls|xlsx|ppt|pptx|pdf|txt)$`)

// Classify derives the file type from the MIME type first, then the extension.
func Classify(mimeType, filename string) models.FileType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.FileTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.FileTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.FileTypeAudio
	case documentExtension.MatchString(filename):
		return models.FileTypeDocument
	default:
		return models.FileTypeUnknown
	}
}

// ResultFilename strips the last extension and appends the type's suffix.
// Names without an extension, or starting with their only dot, are kept whole.
func ResultFilename(filename string, t models.FileType) string {
	base := filename
	if idx := strings.LastIndex(filename, "."); idx > 0 {
		base = filename[:idx]
	}
	switch t {
	case models.FileTypeDocument, models.FileTypeImage:
		return base + "_safe.pdf"
	case models.FileTypeVideo:
		return base + "_safe.mp4"
	case models.FileTypeAudio:
		return base + "_safe.mp3"
	default:
		return base + "_report.txt"
	}
}
