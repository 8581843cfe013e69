package resume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// fitzReader extracts text with MuPDF.
type fitzReader struct{}

func (fitzReader) ReadText(ctx context.Context, data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, err := doc.Text(n)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", n+1, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	return b.String(), nil
}

// nativeReader extracts text without cgo.
type nativeReader struct{}

func (nativeReader) ReadText(ctx context.Context, data []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parse pdf: %v", p)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}

	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}

	return string(raw), nil
}
