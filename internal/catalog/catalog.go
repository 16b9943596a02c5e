// Package catalog describes the files offered from the shared directory.
package catalog

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// File is one regular file in the shared directory.
type File struct {
	Name    string
	Size    int64
	Ext     string // lower-case, without the dot
	Type    string
	IsImage bool
}

// SizeKB renders the size as kilobytes with two decimals, e.g. "1.50 KB".
func (f File) SizeKB() string {
	return FormatKB(f.Size)
}

// TypeClass is the CSS class used for the type badge.
func (f File) TypeClass() string {
	if f.Ext == "" {
		return "generic"
	}
	return f.Ext
}

var typeLabels = map[string]string{
	".pdf":  "PDF Document",
	".doc":  "Word Document",
	".docx": "Word Document",
	".xls":  "Excel Spreadsheet",
	".xlsx": "Excel Spreadsheet",
	".ppt":  "PowerPoint",
	".pptx": "PowerPoint",
	".jpg":  "JPEG Image",
	".jpeg": "JPEG Image",
	".png":  "PNG Image",
	".gif":  "GIF Image",
	".mp3":  "MP3 Audio",
	".mp4":  "MP4 Video",
	".zip":  "ZIP Archive",
	".txt":  "Text File",
	".csv":  "CSV File",
}

// DefaultType is the label for extensions missing from the table.
const DefaultType = "File"

// TypeLabel maps a file name to its human readable type.
func TypeLabel(name string) string {
	if l, ok := typeLabels[strings.ToLower(filepath.Ext(name))]; ok {
		return l
	}
	return DefaultType
}

// IsImage reports whether name carries one of the previewable image
// extensions.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return true
	default:
		return false
	}
}

// FormatKB formats n bytes as "<n/1024 with 2 decimals> KB".
func FormatKB(n int64) string {
	return fmt.Sprintf("%.2f KB", float64(n)/1024)
}

// Describe builds the File for a stat result.
func Describe(info fs.FileInfo) File {
	name := info.Name()
	return File{
		Name:    name,
		Size:    info.Size(),
		Ext:     strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
		Type:    TypeLabel(name),
		IsImage: IsImage(name),
	}
}

// SkipFunc is called for entries that could not be inspected.
type SkipFunc func(name string, err error)

// List reads the top level of fsys and returns its regular files sorted by
// name. Symlinks and directories are left out. Entries that fail to stat are
// reported to skip; only a failure to read the directory itself is returned.
func List(fsys fs.FS, skip SkipFunc) ([]File, error) {
	ents, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(ents))
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			if skip != nil {
				skip(e.Name(), err)
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		f := Describe(info)
		f.Name = e.Name()
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return files, nil
}
