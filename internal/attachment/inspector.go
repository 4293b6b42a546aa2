// Package attachment validates files attached to a human message and derives
// a textual annotation for each before the message is relayed to the agent
// endpoint: PDFs contribute an excerpt of their text, images contribute
// classifier labels. Annotations are best-effort; a file the inspector cannot
// read is still forwarded, just unannotated.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"agentbridge/internal/model"
	"agentbridge/internal/pkg/pdfextract"
	"agentbridge/internal/vision"
)

var (
	ErrMissingName = errors.New("attachment has no filename")
	ErrBadEncoding = errors.New("attachment payload is not valid base64")
	ErrTooLarge    = errors.New("attachment exceeds the size limit")
)

// ImageLabeler is the slice of vision.Labeler the inspector needs. Nil means
// image annotation is disabled.
type ImageLabeler interface {
	Labels(imageData []byte) ([]vision.LabelScore, error)
}

type Inspector struct {
	maxSizeBytes    int
	pdfExcerptChars int
	labeler         ImageLabeler
	logger          *zap.Logger
}

func NewInspector(maxSizeBytes, pdfExcerptChars int, labeler ImageLabeler, logger *zap.Logger) *Inspector {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 8 << 20
	}
	if pdfExcerptChars <= 0 {
		pdfExcerptChars = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		maxSizeBytes:    maxSizeBytes,
		pdfExcerptChars: pdfExcerptChars,
		labeler:         labeler,
		logger:          logger,
	}
}

// Inspect validates every attachment and fills in annotations. It returns a
// new slice; the input is not modified. Validation failures are hard errors
// (the message must be rejected before any network call), annotation
// failures are not.
func (i *Inspector) Inspect(attachments []model.FileAttachment) ([]model.FileAttachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	out := make([]model.FileAttachment, 0, len(attachments))
	for _, att := range attachments {
		name := strings.TrimSpace(att.Name)
		if name == "" {
			return nil, ErrMissingName
		}

		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadEncoding, name)
		}
		if len(data) > i.maxSizeBytes {
			return nil, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, name, len(data))
		}

		att.Name = name
		att.Annotation = i.annotate(name, att.MimeType, data)
		out = append(out, att)
	}
	return out, nil
}

func (i *Inspector) annotate(name, mimeType string, data []byte) string {
	switch {
	case mimeType == "application/pdf":
		excerpt, err := pdfextract.ExtractExcerpt(data, i.pdfExcerptChars)
		if err != nil {
			i.logger.Warn("pdf excerpt failed", zap.String("file", name), zap.Error(err))
			return ""
		}
		if excerpt == "" {
			return ""
		}
		return "PDF text excerpt: " + excerpt
	case strings.HasPrefix(mimeType, "image/"):
		if i.labeler == nil {
			return ""
		}
		scores, err := i.labeler.Labels(data)
		if err != nil {
			i.logger.Warn("image labeling failed", zap.String("file", name), zap.Error(err))
			return ""
		}
		if len(scores) == 0 {
			return ""
		}
		return "Image appears to contain: " + vision.Describe(scores)
	default:
		return ""
	}
}
