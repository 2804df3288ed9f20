package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/ledongthuc/pdf"
)

// Extractor turns a stored document into plain text. mediaType is the type
// recorded at upload and takes precedence over the file name.
type Extractor interface {
	ExtractText(ctx context.Context, path, mediaType string) (string, error)
}

// DocumentExtractor parses application/pdf with a PDF text parser whatever
// the file is called. Other files go through the eino file loader, which
// routes by extension.
type DocumentExtractor struct {
	loader *file.FileLoader
	pdf    pdfParser
}

func NewDocumentExtractor(ctx context.Context) (*DocumentExtractor, error) {
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".pdf": pdfParser{},
			".PDF": pdfParser{},
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &DocumentExtractor{loader: loader}, nil
}

func (e *DocumentExtractor) ExtractText(ctx context.Context, path, mediaType string) (string, error) {
	var (
		docs []*schema.Document
		err  error
	)
	if isPDF(mediaType) {
		docs, err = e.parsePDF(ctx, path)
	} else {
		docs, err = e.loader.Load(ctx, document.Source{URI: path})
	}
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var b strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

func (e *DocumentExtractor) parsePDF(ctx context.Context, path string) ([]*schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return e.pdf.Parse(ctx, f, parser.WithURI(path))
}

func isPDF(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.TrimSpace(mediaType)
	}
	return strings.EqualFold(mt, "application/pdf")
}

// pdfParser adapts ledongthuc/pdf to eino's parser interface. The pdf
// package panics on some malformed input, so Parse turns panics into errors.
type pdfParser struct{}

func (pdfParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) (docs []*schema.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs, err = nil, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	common := parser.GetCommonOptions(nil, opts...)
	return []*schema.Document{{
		ID:       common.URI,
		Content:  string(text),
		MetaData: common.ExtraMeta,
	}}, nil
}
