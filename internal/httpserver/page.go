package httpserver

import (
	"bytes"
	"embed"
	"html/template"
	"net/url"
	"path/filepath"
	"strings"

	"ganymede/internal/catalog"
	"ganymede/internal/fsutil"
)

//go:embed web/index.html
var embeddedWeb embed.FS

var indexTmpl = template.Must(template.ParseFS(embeddedWeb, "web/index.html"))

// Greetings are the three configurable texts on the listing page. Header may
// contain a {username} placeholder.
type Greetings struct {
	Header    string
	Subheader string
	Empty     string
}

// ForUser substitutes the first {username} in the header.
func (g Greetings) ForUser(user string) Greetings {
	g.Header = strings.Replace(g.Header, "{username}", user, 1)
	return g
}

// Backgrounds are the optional page backgrounds for one user.
type Backgrounds struct {
	// Image is the default background, shown first.
	Image string
	// UserImage is the user's own background, offered as an alternative.
	UserImage string
	// Basename is the file name of Image.
	Basename string
}

const (
	defaultBackground = "background.png"
	faviconName       = "ganymede.ico"
)

func resolveBackgrounds(assetsDir, user string) Backgrounds {
	var bg Backgrounds
	if fsutil.Exists(filepath.Join(assetsDir, defaultBackground)) {
		bg.Image = "/assets/" + defaultBackground
		bg.Basename = defaultBackground
	}
	if user != "" {
		name := "background_" + user + ".png"
		if p, err := fsutil.ChildOf(assetsDir, name); err == nil && fsutil.Exists(p) {
			bg.UserImage = "/assets/" + url.PathEscape(name)
		}
	}
	return bg
}

// fileView is a catalog entry plus its links.
type fileView struct {
	catalog.File
	DownloadURL string
	PreviewURL  string
	ThumbURL    string
}

func newFileView(f catalog.File) fileView {
	esc := url.PathEscape(f.Name)
	v := fileView{File: f, DownloadURL: "/download/" + esc}
	if f.IsImage {
		v.PreviewURL = "/preview/" + esc
		v.ThumbURL = "/thumb/" + esc
	}
	return v
}

type indexPage struct {
	User        string
	Greetings   Greetings
	Backgrounds Backgrounds
	Files       []fileView
}

func renderIndex(p indexPage) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
