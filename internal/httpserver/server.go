package httpserver

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"ganymede/internal/auth"
	"ganymede/internal/catalog"
	"ganymede/internal/config"
	"ganymede/internal/fsutil"
	"ganymede/internal/logger"
)

type Options struct {
	Config config.Config
	Logger logger.Logger
}

type Server struct {
	cfg   config.Config
	log   logger.Logger
	gate  *auth.Gate
	m     *metrics
	thumb thumbCache
}

func New(opts Options) (*Server, error) {
	creds, err := auth.ParseCredentials(opts.Config.UserCredentials)
	if err != nil {
		return nil, fmt.Errorf("user credentials: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		cfg: opts.Config,
		log: log,
		m:   newMetrics(),
	}
	if opts.Config.StateDir != "" {
		s.thumb = thumbCache{dir: filepath.Join(opts.Config.StateDir, "thumbs")}
	}
	s.gate = auth.NewGate(creds,
		auth.WithFailureLimit(opts.Config.AuthFailuresPerMin),
		auth.WithDeniedHook(func(r *http.Request, user string) {
			s.m.authFailures.Inc()
			s.log.Warn("authentication failed", "user", user, "remote", r.RemoteAddr)
		}),
	)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	// public
	public := http.NewServeMux()
	public.Handle("GET /assets/", http.StripPrefix("/assets/", noListing(http.FileServer(http.Dir(s.cfg.AssetsDir)))))
	public.HandleFunc("GET /favicon.ico", s.handleFavicon)

	// everything else sits behind BasicAuth
	private := http.NewServeMux()
	private.HandleFunc("GET /{$}", s.handleIndex)
	private.HandleFunc("GET /download/{filename}", s.handleDownload)
	private.HandleFunc("GET /preview/{filename}", s.handlePreview)
	private.HandleFunc("GET /thumb/{filename}", s.handleThumb)
	private.Handle("GET /metrics", s.m.handler())

	pub := rejectTraversal(public)
	priv := s.gate.Require(recordUser(rejectTraversal(private)))
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) {
			pub.ServeHTTP(w, r)
			return
		}
		priv.ServeHTTP(w, r)
	})

	return Chain(root,
		withRequestID,
		withAccessLog(s.log, s.m),
		withHeaders,
	)
}

func isPublic(path string) bool {
	return path == "/favicon.ico" || strings.HasPrefix(path, "/assets/")
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests for up to shutdownTimeout. Connections still open after
// that are closed. A drained shutdown is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	return s.serve(ctx, ln, s.Handler(), shutdownTimeout)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, h http.Handler, shutdownTimeout time.Duration) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled {
			errc <- hs.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
			return
		}
		errc <- hs.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "timeout", shutdownTimeout.String())
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.log.Warn("drain timed out, closing remaining connections", "timeout", shutdownTimeout.String())
		_ = hs.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("server closed")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	for _, dir := range []string{s.cfg.AssetsDir, s.cfg.SharedDir} {
		created, err := fsutil.EnsureDir(dir)
		if err != nil {
			s.log.Error("create directory", "dir", dir, "err", err)
			http.Error(w, "Error reading directory", http.StatusInternalServerError)
			return
		}
		if created {
			s.log.Info("created directory", "dir", dir)
		}
	}

	user := auth.UserFromContext(r.Context())
	files, err := catalog.List(os.DirFS(s.cfg.SharedDir), func(name string, err error) {
		s.log.Warn("skipping file", "name", name, "err", err)
	})
	if err != nil {
		s.log.Error("read shared directory", "dir", s.cfg.SharedDir, "err", err)
		http.Error(w, "Error reading directory", http.StatusInternalServerError)
		return
	}

	views := make([]fileView, 0, len(files))
	for _, f := range files {
		views = append(views, newFileView(f))
	}
	greet := Greetings{
		Header:    s.cfg.GreetingHeader,
		Subheader: s.cfg.GreetingSubheader,
		Empty:     s.cfg.GreetingEmpty,
	}
	body, err := renderIndex(indexPage{
		User:        user,
		Greetings:   greet.ForUser(user),
		Backgrounds: resolveBackgrounds(s.cfg.AssetsDir, user),
		Files:       views,
	})
	if err != nil {
		s.log.Error("render index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveShared(w, r, "download")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveShared(w, r, "preview")
}

// lookup resolves the {filename} wildcard to a regular file in the shared
// directory. It writes the error response itself and reports ok=false when
// there is nothing to serve.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (abs string, info os.FileInfo, ok bool) {
	name := r.PathValue("filename")
	abs, info, err := fsutil.RegularFile(s.cfg.SharedDir, name)
	switch {
	case errors.Is(err, fsutil.ErrInvalidName):
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return "", nil, false
	case err != nil:
		s.log.Error("stat shared file", "name", name, "err", err)
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return "", nil, false
	case info == nil:
		http.Error(w, "File not found", http.StatusNotFound)
		return "", nil, false
	}
	return abs, info, true
}

func (s *Server) serveShared(w http.ResponseWriter, r *http.Request, kind string) {
	abs, info, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := info.Name()
	if kind == "preview" && !catalog.IsImage(name) {
		http.Error(w, "Not an image file", http.StatusBadRequest)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		s.log.Error("open shared file", "name", name, "err", err)
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if kind == "download" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	s.m.served.WithLabelValues(kind).Inc()
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	abs, info, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := info.Name()
	if !catalog.IsImage(name) {
		http.Error(w, "Not an image file", http.StatusBadRequest)
		return
	}

	mtime := info.ModTime().UnixNano()
	b, hit := s.thumb.get(name, mtime)
	if !hit {
		var err error
		b, err = makeThumb(abs, thumbSize)
		if err != nil {
			// Undecodable images still get a picture: the original.
			s.log.Debug("thumbnail failed, serving original", "name", name, "err", err)
			s.serveShared(w, r, "preview")
			return
		}
		if err := s.thumb.put(name, mtime, b); err != nil {
			s.log.Debug("thumbnail cache write", "name", name, "err", err)
		}
	}
	s.m.served.WithLabelValues("thumb").Inc()
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(b)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	p := filepath.Join(s.cfg.AssetsDir, faviconName)
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/x-icon")
	http.ServeFile(w, r, p)
}

// noListing hides directory indexes from the assets file server.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rejectTraversal answers 400 for paths with dot-dot segments before a mux
// gets a chance to clean them into a redirect.
func rejectTraversal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.ContainsRune(r.URL.Path, 0) {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		for _, seg := range strings.Split(r.URL.Path, "/") {
			if seg == ".." {
				http.Error(w, "Invalid path", http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md", ".json", ".csv", ".js", ".py", ".css", ".html":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".rar":
		return "application/vnd.rar"
	case ".7z":
		return "application/x-7z-compressed"
	default:
		return ""
	}
}
