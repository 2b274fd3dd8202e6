// Package service is the HTTP surface: direct and chunked uploads, the
// transparent proxy, inheritance submissions, and webhook management. It
// owns the server lifecycle and per-category, per-IP rate limiting.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/sekaitools/suitesync/chunks"
	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/ingest"
	"github.com/sekaitools/suitesync/models"
	"github.com/sekaitools/suitesync/sekai"
	"github.com/sekaitools/suitesync/store"
)

type Service struct {
	appCtx      context.Context
	cfg         *config.Service
	logger      *slog.Logger
	mux         *http.ServeMux
	codec       *codec.Codec
	dataStore   store.DataStore
	pipeline    *ingest.Pipeline
	reassembler *chunks.Reassembler
	forwarders  map[models.Server]*sekai.Forwarder
	httpClient  *http.Client

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
}

func New(
	ctx context.Context,
	cfg *config.Service,
	logger *slog.Logger,
	cdc *codec.Codec,
	dataStore store.DataStore,
	pipeline *ingest.Pipeline,
	reassembler *chunks.Reassembler,
) (*Service, error) {
	httpClient, err := outboundClient(cfg.OutboundProxy)
	if err != nil {
		return nil, err
	}

	s := &Service{
		appCtx:      ctx,
		cfg:         cfg,
		logger:      logger.WithGroup("service"),
		mux:         http.NewServeMux(),
		codec:       cdc,
		dataStore:   dataStore,
		pipeline:    pipeline,
		reassembler: reassembler,
		forwarders:  make(map[models.Server]*sekai.Forwarder),
		httpClient:  httpClient,
		rateLimiters: map[string]*ttlcache.Cache[string, *rate.Limiter]{
			"upload":  makeCategoryRateLimiter(),
			"proxy":   makeCategoryRateLimiter(),
			"webhook": makeCategoryRateLimiter(),
			"default": makeCategoryRateLimiter(),
		},
	}
	for name, upstream := range cfg.Servers {
		server := models.Server(name)
		s.forwarders[server] = sekai.NewForwarder(server, upstream, cdc, httpClient, logger)
	}
	s.routes()
	return s, nil
}

// outboundClient builds the client used for every upstream call. The
// optional outbound proxy keeps the egress IP pool distinct from the
// service's own address.
func outboundClient(proxyAddr string) (*http.Client, error) {
	if proxyAddr == "" {
		return &http.Client{}, nil
	}
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("outboundProxy is not a valid url: %w", err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}, nil
}

func makeCategoryRateLimiter() *ttlcache.Cache[string, *rate.Limiter] {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
	)
	go cache.Start()
	return cache
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		ips := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(ips[0])
	}
	return remoteIP
}

func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		limiterCategory = s.rateLimiters["default"]
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "upload":
			rlConfig = s.cfg.RateLimiters.Upload
		case "proxy":
			rlConfig = s.cfg.RateLimiters.Proxy
		case "webhook":
			rlConfig = s.cfg.RateLimiters.Webhook
		default:
			rlConfig = s.cfg.RateLimiters.Default
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) routes() {
	limited := func(category string, handler http.HandlerFunc) http.Handler {
		return s.rateLimitMiddleware(handler, category)
	}

	s.mux.Handle("POST /general/{server}/{uploadType}/{policy}/upload", limited("upload", s.uploadHandler))
	s.mux.Handle("POST /general/{server}/{uploadType}/{policy}/{userID}/upload", limited("upload", s.uploadWithUserHandler))
	s.mux.Handle("POST /general/{server}/{uploadType}/{policy}/submit_inherit", limited("upload", s.submitInheritHandler))

	s.mux.Handle("POST /ios/script/upload", limited("upload", s.scriptUploadHandler))

	s.mux.Handle("GET /ios/proxy/{server}/{policy}/suite/user/{userID}", limited("proxy", s.proxySuiteHandler))
	s.mux.Handle("POST /ios/proxy/{server}/{policy}/user/{userID}/mysekai", limited("proxy", s.proxyMysekaiHandler))

	s.mux.Handle("GET /webhook/subscribers", limited("webhook", s.webhookSubscribersHandler))
	s.mux.Handle("PUT /webhook/{server}/{dataType}/{userID}", limited("webhook", s.webhookBindHandler))
	s.mux.Handle("DELETE /webhook/{server}/{dataType}/{userID}", limited("webhook", s.webhookUnbindHandler))
}

// Run serves until the application context is canceled.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.HTTPBinding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	defer func() {
		for _, limiter := range s.rateLimiters {
			limiter.Stop()
		}
	}()

	s.startedAt = time.Now()
	s.logger.Info("Starting HTTP server", "listen_addr", s.cfg.HTTPBinding)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
	return nil
}
