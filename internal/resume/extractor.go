// Package resume turns uploaded resume documents into normalised plain text.
package resume

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/logger"
)

// DefaultMaxBytes is the upload limit applied when none is configured.
const DefaultMaxBytes int64 = 5 << 20

const (
	BackendFitz   = "fitz"
	BackendNative = "native"
)

// Format is a document format the extractor understands.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

var pdfMagic = []byte("%PDF-")

// Document is an uploaded file.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// PDFReader pulls raw text out of a PDF.
type PDFReader interface {
	ReadText(ctx context.Context, data []byte) (string, error)
}

// Config controls the extractor.
type Config struct {
	MaxBytes int64  `mapstructure:"max-bytes"`
	Backend  string `mapstructure:"pdf-backend"`
}

type Extractor struct {
	maxBytes int64
	pdf      PDFReader
	logger   *zap.Logger
}

// New builds an extractor with the configured PDF backend.
func New(cfg Config, log *zap.Logger) (*Extractor, error) {
	var reader PDFReader
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFitz:
		reader = fitzReader{}
	case BackendNative:
		reader = nativeReader{}
	default:
		return nil, fmt.Errorf("unsupported pdf backend: %s", cfg.Backend)
	}

	return NewWithReader(cfg.MaxBytes, reader, log), nil
}

// NewWithReader builds an extractor around an explicit PDF reader.
func NewWithReader(maxBytes int64, reader PDFReader, log *zap.Logger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{
		maxBytes: maxBytes,
		pdf:      reader,
		logger:   logger.Named(log, "resume"),
	}
}

// MaxBytes is the size limit enforced by Check.
func (e *Extractor) MaxBytes() int64 { return e.maxBytes }

// Check validates size and format without extracting anything.
func (e *Extractor) Check(doc Document) (Format, error) {
	if int64(len(doc.Data)) > e.maxBytes {
		return "", apperr.E("resume.Check", apperr.ErrTooLarge,
			fmt.Errorf("%d bytes exceeds limit of %d", len(doc.Data), e.maxBytes))
	}
	return DetectFormat(doc)
}

// Extract returns the normalised text of doc.
func (e *Extractor) Extract(ctx context.Context, doc Document) (string, error) {
	format, err := e.Check(doc)
	if err != nil {
		return "", err
	}

	var raw string
	switch format {
	case FormatPDF:
		if e.pdf == nil {
			return "", apperr.E("resume.Extract", apperr.ErrExtractionFailed, fmt.Errorf("no pdf backend configured"))
		}
		raw, err = e.pdf.ReadText(ctx, doc.Data)
		if err != nil {
			e.logger.Warn("pdf text extraction failed", zap.String("document", doc.Name), zap.Error(err))
			return "", apperr.E("resume.Extract", apperr.ErrExtractionFailed, err)
		}
	case FormatText:
		raw = string(doc.Data)
	}

	text := Normalize(raw)
	if text == "" {
		return "", apperr.E("resume.Extract", apperr.ErrExtractionFailed, fmt.Errorf("document %q has no text", doc.Name))
	}

	e.logger.Debug("resume text extracted",
		zap.String("document", doc.Name),
		zap.String("format", string(format)),
		zap.Int("bytes", len(doc.Data)),
		zap.Int("text_length", utf8.RuneCountInString(text)),
	)

	return text, nil
}

// DetectFormat identifies doc by content first, then by name and content type.
func DetectFormat(doc Document) (Format, error) {
	if len(doc.Data) == 0 {
		return "", apperr.E("resume.DetectFormat", apperr.ErrUnsupportedFormat, fmt.Errorf("empty document"))
	}

	if bytes.HasPrefix(bytes.TrimLeft(doc.Data[:min(len(doc.Data), 1024)], "\x00\t\r\n "), pdfMagic) {
		return FormatPDF, nil
	}

	ext := strings.ToLower(filepath.Ext(doc.Name))
	mediaType, _, _ := mime.ParseMediaType(doc.ContentType)

	switch {
	case ext == ".pdf" || mediaType == "application/pdf":
		return "", apperr.E("resume.DetectFormat", apperr.ErrUnsupportedFormat, fmt.Errorf("%q is not a valid pdf", doc.Name))
	case ext == ".txt" || ext == ".md" || mediaType == "text/plain" || mediaType == "text/markdown":
		if bytes.IndexByte(doc.Data, 0) >= 0 {
			return "", apperr.E("resume.DetectFormat", apperr.ErrUnsupportedFormat, fmt.Errorf("%q is binary", doc.Name))
		}
		return FormatText, nil
	}

	return "", apperr.E("resume.DetectFormat", apperr.ErrUnsupportedFormat, fmt.Errorf("name %q, content type %q", doc.Name, doc.ContentType))
}
