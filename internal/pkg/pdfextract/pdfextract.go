package pdfextract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractExcerpt extracts plain text from the PDF in data and returns at most
// maxChars characters of it, whitespace-normalized. Returns empty string and
// nil error if the PDF has no extractable text.
func ExtractExcerpt(data []byte, maxChars int) (text string, err error) {
	if len(data) == 0 {
		return "", nil
	}
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plainReader, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(plainReader)
	if err != nil {
		return "", err
	}

	text = strings.Join(strings.Fields(string(out)), " ")
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text, nil
}
