package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Service renders wiki pages to PDF through headless Chrome.
type Service struct {
	chromePath string
	logger     zerolog.Logger
	render     func(ctx context.Context, execPath, html string) ([]byte, error)
}

// NewService creates an export service. An empty chromePath searches PATH
// for a Chrome or Chromium binary at export time.
func NewService(chromePath string, logger zerolog.Logger) *Service {
	return &Service{
		chromePath: chromePath,
		logger:     logger,
		render:     printPDF,
	}
}

// WikiPagePDF renders page as a Letter-sized PDF.
func (s *Service) WikiPagePDF(ctx context.Context, page WikiPage) (*Result, error) {
	html, err := RenderPageHTML(TemplateData{
		Title:       page.Title,
		Author:      page.Author,
		UpdatedAt:   page.UpdatedAt,
		ServerName:  page.ServerName,
		FeatureName: page.FeatureName,
		Tags:        page.Tags,
		Blocks:      ParseBlocks(page.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	execPath, err := s.resolveChrome()
	if err != nil {
		return nil, err
	}
	data, err := s.render(ctx, execPath, html)
	if err != nil {
		s.logger.Error().Err(err).Str("title", page.Title).Msg("pdf export failed")
		return nil, err
	}
	return &Result{
		Data:     data,
		Filename: sanitizeFilename(page.Title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

func (s *Service) resolveChrome() (string, error) {
	if s.chromePath != "" {
		return s.chromePath, nil
	}
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

// sanitizeFilename creates a safe filename from a title.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "page"
	}
	return result
}
