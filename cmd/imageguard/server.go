package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anatolykoptev/go-imageguard"
)

const maxUploadBytes = 16 << 20

type Server struct {
	guard  *imageguard.Guard
	cfg    ServerConfig
	logger *slog.Logger
	echo   *echo.Echo
}

type ServerConfig struct {
	Logger *slog.Logger
	// AllowURLFetch lets POST /classify download images by URL. Off by
	// default: the service would otherwise fetch any address a client names.
	AllowURLFetch bool
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// classifyRequest is the JSON form of POST /classify, for images given by
// URL.
type classifyRequest struct {
	URL  string `json:"url"`
	Hint string `json:"hint"`
}

type denyRequest struct {
	SHA1  string `json:"sha1"`
	AHash string `json:"ahash"`
}

func NewServer(g *imageguard.Guard, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{guard: g, cfg: cfg, logger: cfg.Logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("16M"))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := any("internal error")
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = he.Message
		}
		s.logger.Warn("HTTP request error", "statusCode", code, "path", c.Path(), "err", err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]any{"error": msg})
		}
	}

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/stats", s.handleStats)
	e.POST("/classify", s.handleClassify)
	e.POST("/deny", s.handleDeny)
	e.DELETE("/cache/:sha1", s.handleUnlearn)
	s.echo = e
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting imageguard API", "bind", listen)
		errc <- s.echo.Start(listen)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.guard.Stats())
}

// handleClassify accepts a multipart "image" field, a raw image body, or a
// JSON {"url", "hint"} document.
func (s *Server) handleClassify(c echo.Context) error {
	ctx := c.Request().Context()
	hint := c.QueryParam("hint")

	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		if !s.cfg.AllowURLFetch {
			return echo.NewHTTPError(http.StatusForbidden, "classification by url is disabled")
		}
		var req classifyRequest
		if err := c.Bind(&req); err != nil {
			return err
		}
		if req.URL == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "url is required")
		}
		if req.Hint != "" {
			hint = req.Hint
		}
		return c.JSON(http.StatusOK, s.guard.ClassifyURL(ctx, req.URL, imageguard.WithHint(hint)))
	}

	data, mime, err := readImage(c)
	if err != nil {
		return err
	}
	opts := []imageguard.Option{imageguard.WithHint(hint)}
	if strings.HasPrefix(mime, "image/") {
		opts = append(opts, imageguard.WithMIMEType(mime))
	}
	return c.JSON(http.StatusOK, s.guard.Classify(ctx, data, opts...))
}

func (s *Server) handleDeny(c echo.Context) error {
	ctx := c.Request().Context()
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var req denyRequest
		if err := c.Bind(&req); err != nil {
			return err
		}
		e, err := s.guard.DenyFingerprint(ctx, req.SHA1, req.AHash)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, denyRequest{SHA1: e.Exact, AHash: e.Approx})
	}

	data, _, err := readImage(c)
	if err != nil {
		return err
	}
	e, err := s.guard.Deny(ctx, data)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, denyRequest{SHA1: e.Exact, AHash: e.Approx})
}

func (s *Server) handleUnlearn(c echo.Context) error {
	exact := strings.ToLower(c.Param("sha1"))
	removed := s.guard.Unlearn(c.Request().Context(), exact)
	return c.JSON(http.StatusOK, map[string]any{"sha1": exact, "removed": removed})
}

// readImage returns the uploaded bytes and their declared content type.
func readImage(c echo.Context) ([]byte, string, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	var (
		r    io.Reader
		mime string
	)
	if strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, "", echo.NewHTTPError(http.StatusBadRequest, "missing image field")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		r = f
		mime = fh.Header.Get(echo.HeaderContentType)
	} else {
		r = c.Request().Body
		mime = ct
	}

	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, "empty image")
	}
	return data, mime, nil
}

// classifyArg classifies a local file or an http(s) URL.
func classifyArg(ctx context.Context, g *imageguard.Guard, arg string, opts []imageguard.Option) (imageguard.Result, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return g.ClassifyURL(ctx, arg, opts...), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return imageguard.Result{}, err
	}
	return g.Classify(ctx, data, opts...), nil
}
