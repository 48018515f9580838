package attachments

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Format is the structured shape an attachment is parsed into.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatText   Format = "text"
	FormatImage  Format = "image"
	FormatBinary Format = "binary"
)

var extensionToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",

	".pdf":  "application/pdf",
	".json": "application/json",
	".xml":  "application/xml",
	".zip":  "application/zip",

	".txt":  "text/plain",
	".log":  "text/plain",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".md":   "text/markdown",
	".html": "text/html",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
}

// extension returns the lowercased extension of a path or URL.
func extension(name string) string {
	if idx := strings.IndexAny(name, "?#"); idx != -1 {
		name = name[:idx]
	}
	return strings.ToLower(filepath.Ext(name))
}

// detectMIME prefers the declared type, then the filename extension, then
// content sniffing.
func detectMIME(declared, filename string, data []byte) string {
	if m := normalizeMIME(declared); m != "" && m != "application/octet-stream" {
		return m
	}
	if m, ok := extensionToMIME[extension(filename)]; ok {
		return m
	}
	if len(data) > 0 {
		return normalizeMIME(http.DetectContentType(data))
	}
	return "application/octet-stream"
}

func normalizeMIME(mime string) string {
	mime = strings.TrimSpace(mime)
	if idx := strings.Index(mime, ";"); idx != -1 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return strings.ToLower(mime)
}

// formatFor maps a MIME type to the representation the resolver produces.
func formatFor(mime string) Format {
	switch {
	case mime == "text/csv" || mime == "text/tab-separated-values":
		return FormatCSV
	case mime == "application/json" || strings.HasSuffix(mime, "+json"):
		return FormatJSON
	case strings.HasPrefix(mime, "image/"):
		return FormatImage
	case strings.HasPrefix(mime, "text/"),
		mime == "application/xml",
		mime == "application/yaml":
		return FormatText
	default:
		return FormatBinary
	}
}
