package main

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/qpcode"
	"github.com/quickpaste/quickpaste/internal/qpstore"
)

const (
	DefaultMaxRequestSize = 8 << 20 // 8 MiB
	DefaultRequestTimeout = 10 * time.Second
)

const (
	ErrMessageCapacityExhausted = "All paste codes are currently in use. Please try again in a few minutes."
	ErrMessageCodeInvalid       = "Code should be exactly 4 digits, like `0421`."
	ErrMessageRequestTooLarge   = "Request body is larger than the maximum allowed size."
	ErrMessageInternalError     = "An internal error has occurred. Please report this to the server operator."
	ErrMessagePasteNotFound     = "Paste not found or expired."
	ErrMessageRequestInvalid    = "Request body should be JSON like `{\"content\": \"...\"}`."
	ErrMessageRequestTimeout    = "The request %s before a response could be produced (maximum request time is %s)."
)

//go:embed templates/*.tmpl.html
var templatesFS embed.FS

// ServerConfig configures a Server. Zero values fall back to defaults.
type ServerConfig struct {
	// Gatherer is exposed on `/metrics`. Defaults to the Prometheus default
	// gatherer.
	Gatherer prometheus.Gatherer

	// MaxRequestSize caps the size of request bodies in bytes. Content size
	// itself is enforced by the paste store. Zero means DefaultMaxRequestSize
	// and a negative value means no limit.
	MaxRequestSize int64

	Port int

	RequestTimeout time.Duration

	// TTL is shown to users on the index page. It should match the TTL of the
	// paste store. Defaults to qpstore.DefaultTTL.
	TTL time.Duration
}

type Server struct {
	httpServer     *http.Server
	logger         *logrus.Logger
	maxRequestSize int64
	pasteStore     qpstore.PasteStore
	requestTimeout time.Duration
	router         *mux.Router
	templates      *template.Template
	ttl            time.Duration
}

func NewServer(logger *logrus.Logger, pasteStore qpstore.PasteStore, config *ServerConfig) *Server {
	if config == nil {
		config = &ServerConfig{}
	}

	server := &Server{
		logger:         logger,
		maxRequestSize: config.MaxRequestSize,
		pasteStore:     pasteStore,
		ttl:            config.TTL,
	}

	switch {
	case server.maxRequestSize == 0:
		server.maxRequestSize = DefaultMaxRequestSize
	case server.maxRequestSize < 0:
		server.maxRequestSize = math.MaxInt64
	}

	if server.ttl <= 0 {
		server.ttl = qpstore.DefaultTTL
	}

	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	server.requestTimeout = config.RequestTimeout
	if server.requestTimeout <= 0 {
		server.requestTimeout = DefaultRequestTimeout
	}

	// Templates are embedded, so failure here is a programming error.
	if err := server.parseTemplates(); err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use(NewInspectableWriterMiddleware().Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&RequestIDMiddleware{}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Use(NewTimeoutMiddleware(server.requestTimeout).Wrapper)

	router.Handle("/", server.wrapEndpoint(formatHTML, server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/", server.wrapEndpoint(formatHTML, server.handleCreatePastePage)).Methods(http.MethodPost)
	router.Handle("/view", server.wrapEndpoint(formatHTML, server.handleViewRedirect)).Methods(http.MethodGet)
	router.Handle("/view/{code}", server.wrapEndpoint(formatHTML, server.handleViewPastePage)).Methods(http.MethodGet)

	router.Handle("/api/paste", server.wrapEndpoint(formatJSON, server.handleCreatePaste)).Methods(http.MethodPost)
	router.Handle("/api/paste/{code}", server.wrapEndpoint(formatJSON, server.handleGetPaste)).Methods(http.MethodGet)

	router.Handle("/healthz", server.wrapEndpoint(formatJSON, server.handleHealthz)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// Start listens and serves until the server is shut down, at which point it
// returns nil.
func (s *Server) Start() error {
	s.logger.Infof("Listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return xerrors.Errorf("error shutting down server: %w", err)
	}

	return nil
}

//
// JSON API
//

type createPasteRequest struct {
	Content string `json:"content"`
}

type createPasteResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type getPasteResponse struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreatePaste(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	body, err := s.readBody(r)
	if err != nil {
		return nil, err
	}

	var req createPasteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageRequestInvalid)
	}

	paste, err := s.pasteStore.Create(ctx, req.Content)
	if err != nil {
		return nil, serverErrorFromStore(err)
	}

	return newJSONResponse(http.StatusCreated, &createPasteResponse{
		Code:      paste.Code,
		ExpiresAt: paste.ExpiresAt,
	})
}

func (s *Server) handleGetPaste(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	code := mux.Vars(r)["code"]
	if !qpcode.Valid(code) {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageCodeInvalid)
	}

	paste, err := s.pasteStore.Get(ctx, code)
	if err != nil {
		return nil, serverErrorFromStore(err)
	}

	return newJSONResponse(http.StatusOK, &getPasteResponse{
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt,
	})
}

type healthzResponse struct {
	Status string `json:"status"`
	Held   *int   `json:"held,omitempty"`
}

func (s *Server) handleHealthz(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	resp := &healthzResponse{Status: "ok"}

	if sizer, ok := s.pasteStore.(interface{ Len() int }); ok {
		held := sizer.Len()
		resp.Held = &held
	}

	return newJSONResponse(http.StatusOK, resp)
}

//
// HTML pages
//

type indexPageData struct {
	Content      string
	ErrorMessage string
	TTL          time.Duration
	ViewCode     string
}

type createdPageData struct {
	Code      string
	ExpiresAt time.Time
	TTL       time.Duration
	ViewURL   string
}

type viewPageData struct {
	Code      string
	Content   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type errorPageData struct {
	Message    string
	StatusCode int
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return s.renderPage(http.StatusOK, "index", &indexPageData{TTL: s.ttl})
}

func (s *Server) handleCreatePastePage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxRequestSize)
	if err := r.ParseForm(); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageRequestTooLarge)
		}
		return nil, NewServerError(http.StatusBadRequest, err.Error())
	}

	content := r.PostFormValue("content")

	paste, err := s.pasteStore.Create(ctx, content)
	if err != nil {
		err = serverErrorFromStore(err)

		// Re-render the form on validation problems so that the user doesn't
		// lose what they typed.
		var serverErr *ServerError
		if errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusBadRequest {
			return s.renderPage(http.StatusBadRequest, "index", &indexPageData{
				Content:      content,
				ErrorMessage: serverErr.Message,
				TTL:          s.ttl,
			})
		}
		return nil, err
	}

	return s.renderPage(http.StatusCreated, "created", &createdPageData{
		Code:      paste.Code,
		ExpiresAt: paste.ExpiresAt,
		TTL:       paste.ExpiresAt.Sub(paste.CreatedAt),
		ViewURL:   baseURL(r) + "/view/" + paste.Code,
	})
}

// Target of the "view by code" form on the index page, which submits the code
// as a query parameter.
func (s *Server) handleViewRedirect(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if !qpcode.Valid(code) {
		return s.renderPage(http.StatusBadRequest, "index", &indexPageData{
			ErrorMessage: ErrMessageCodeInvalid,
			TTL:          s.ttl,
			ViewCode:     code,
		})
	}

	return NewServerResponse(http.StatusSeeOther, nil, http.Header{
		"Location": []string{"/view/" + code},
	}), nil
}

func (s *Server) handleViewPastePage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	code := mux.Vars(r)["code"]
	if !qpcode.Valid(code) {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageCodeInvalid)
	}

	paste, err := s.pasteStore.Get(ctx, code)
	if err != nil {
		return nil, serverErrorFromStore(err)
	}

	return s.renderPage(http.StatusOK, "view", &viewPageData{
		Code:      paste.Code,
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
	})
}

func (s *Server) parseTemplates() error {
	templates, err := template.New("").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05 MST") },
		"minutes":    func(d time.Duration) int { return int(d.Minutes()) },
	}).ParseFS(templatesFS, "templates/*.tmpl.html")
	if err != nil {
		return xerrors.Errorf("error parsing templates: %w", err)
	}

	s.templates = templates
	return nil
}

func (s *Server) renderPage(statusCode int, name string, data any) (*ServerResponse, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, xerrors.Errorf("error rendering template %q: %w", name, err)
	}

	return NewServerResponse(statusCode, buf.Bytes(), http.Header{
		"Content-Type": []string{"text/html;charset=utf-8"},
	}), nil
}

//
// Plumbing
//

type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func newJSONResponse(statusCode int, v any) (*ServerResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("error marshaling response: %w", err)
	}

	return NewServerResponse(statusCode, body, http.Header{
		"Content-Type": []string{"application/json"},
	}), nil
}

// Format in which an endpoint renders errors.
type responseFormat int

const (
	formatHTML responseFormat = iota
	formatJSON
)

func (s *Server) wrapEndpoint(format responseFormat, h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp, err := h(ctx, r)

		// Handlers don't all watch their context, so a request that ran past
		// its deadline gets a 504 even if the handler produced something.
		if ctxErr := contextErr(ctx); ctxErr != nil {
			verb := "timed out"
			if errors.Is(ctxErr, context.Canceled) {
				verb = "was canceled"
			}
			err = NewServerError(http.StatusGatewayTimeout,
				fmt.Sprintf(ErrMessageRequestTimeout, verb, PrettyDuration(s.requestTimeout)))
		}

		if err != nil {
			var serverErr *ServerError
			if !errors.As(err, &serverErr) {
				s.logger.WithField("request_id", requestIDFrom(ctx)).Errorf("Internal error: %v", err)
				serverErr = NewServerError(http.StatusInternalServerError, ErrMessageInternalError)
			}

			resp = s.renderError(format, serverErr)
		}

		if ctxContainer := ContextContainerFrom(ctx); ctxContainer != nil {
			ctxContainer.StatusCode = resp.StatusCode
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	})
}

func (s *Server) renderError(format responseFormat, serverErr *ServerError) *ServerResponse {
	if format == formatJSON {
		// Can't fail for a struct of strings.
		body, _ := json.Marshal(&errorResponse{Error: serverErr.Message})
		return NewServerResponse(serverErr.StatusCode, body, http.Header{
			"Content-Type": []string{"application/json"},
		})
	}

	resp, err := s.renderPage(serverErr.StatusCode, "error", &errorPageData{
		Message:    serverErr.Message,
		StatusCode: serverErr.StatusCode,
	})
	if err != nil {
		s.logger.Errorf("Error rendering error page: %v", err)
		return NewServerResponse(serverErr.StatusCode, []byte(serverErr.Message), http.Header{
			"Content-Type": []string{"text/plain"},
		})
	}

	return resp
}

// Reads a request body up to the configured maximum size.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limit := s.maxRequestSize
	if limit < math.MaxInt64 {
		limit++
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %w", err)
	}

	if int64(len(body)) > s.maxRequestSize {
		return nil, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageRequestTooLarge)
	}

	return body, nil
}

// Produces the scheme and host that the client used to reach us, taking a
// fronting proxy into account.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	return scheme + "://" + r.Host
}

// Like ctx.Err, but also reports a deadline that has passed before the
// context's own timer got around to cancelling it.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}

	return nil
}

func requestIDFrom(ctx context.Context) string {
	if ctxContainer := ContextContainerFrom(ctx); ctxContainer != nil {
		return ctxContainer.RequestID
	}
	return ""
}
