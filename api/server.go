package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"terastream/downloader"
	"terastream/internal"
	"terastream/utils"
)

// Options are the collaborators a Server routes requests to
type Options struct {
	Resolver internal.LinkResolver
	Opener   internal.StreamOpener
	Cache    *downloader.ResolutionCache
	Policy   *downloader.DownloadPolicy
	Copy     downloader.CopyOptions

	CORSMaxAge time.Duration
}

// Server is the HTTP surface of terastream
type Server struct {
	addr      string
	opts      Options
	validator *utils.URLValidator
	engine    *gin.Engine
	server    *http.Server
	mu        sync.RWMutex
}

// NewServer wires the HTTP client, cache, resolver and proxy described by config
func NewServer(config *internal.Config) (*Server, error) {
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	httpClient := utils.NewUpstreamClient(config)

	cache := downloader.NewResolutionCache(config.CacheTTLDuration(), config.CacheSweepDuration(), config.CacheMaxEntries)
	resolver := downloader.NewResolver(httpClient, cache, downloader.ResolverConfig{
		BaseURL: config.UpstreamURL,
		Timeout: config.UpstreamTimeoutDuration(),
	})

	threshold, err := config.RedirectThresholdBytes()
	if err != nil {
		return nil, err
	}
	policy, err := downloader.NewDownloadPolicy(config.DownloadPolicy, threshold)
	if err != nil {
		return nil, err
	}

	copyOpts := downloader.CopyOptions{
		IdleTimeout: config.StreamIdleDuration(),
		MaxDuration: config.StreamMaxDurationValue(),
	}
	rateLimit, err := config.StreamRateLimitBytes()
	if err != nil {
		return nil, err
	}
	if rateLimit > 0 {
		// one shared bucket caps the total egress of all streams
		copyOpts.Limiter = utils.NewBandwidthLimiter(rateLimit)
	}

	return NewServerWithOptions(config.ListenAddr, Options{
		Resolver:   resolver,
		Opener:     downloader.NewProxy(httpClient),
		Cache:      cache,
		Policy:     policy,
		Copy:       copyOpts,
		CORSMaxAge: time.Duration(config.CORSMaxAge) * time.Second,
	}), nil
}

// NewServerWithOptions creates a server around already constructed collaborators
func NewServerWithOptions(addr string, opts Options) *Server {
	if opts.Policy == nil {
		opts.Policy = &downloader.DownloadPolicy{Kind: internal.PolicyStream}
	}
	s := &Server{addr: addr, opts: opts, validator: utils.NewURLValidator()}
	s.engine = s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() *gin.Engine {
	if internal.GetLogger().Level() == internal.LogLevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(RequestLogger(internal.GetLogger()))
	engine.Use(cors.New(s.corsConfig()))

	engine.GET("/resolve", s.handleResolve)
	engine.HEAD("/resolve", s.handleResolveHead)
	engine.OPTIONS("/resolve", s.handlePreflight)
	engine.GET("/extract", s.handleExtract)
	engine.GET("/healthz", s.handleHealth)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return engine
}

func (s *Server) corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	config.AllowHeaders = append([]string{"Origin", "Content-Type", "X-Request-ID"}, downloader.ForwardedHeaderNames()...)
	config.ExposeHeaders = append(append([]string(nil), downloader.ExposedHeaders...), "X-Request-ID")
	if s.opts.CORSMaxAge > 0 {
		config.MaxAge = s.opts.CORSMaxAge
	}
	return config
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	return s.serve(s.newHTTPServer(), ln)
}

func (s *Server) newHTTPServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server
}

func (s *Server) serve(srv *http.Server, ln net.Listener) error {
	internal.LogInfo("Starting terastream on %s", ln.Addr())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := s.newHTTPServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve(srv, ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	internal.LogInfo("Shutting down, waiting up to %v for open streams", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
