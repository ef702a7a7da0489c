// Package export renders wiki pages to PDF.
package export

import (
	"errors"
	"time"
)

// WikiPage is the export input for one page of a wiki feature.
type WikiPage struct {
	Title       string
	Content     string
	Author      string
	Tags        []string
	UpdatedAt   time.Time
	ServerName  string
	FeatureName string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates no Chrome or Chromium binary is available.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
