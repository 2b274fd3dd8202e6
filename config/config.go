package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream describes one deployment of the game service. The whole table is
// immutable after startup; every component takes a server value and consults
// this table instead of branching on the server itself.
type Upstream struct {
	API            string `yaml:"api"`
	VersionURL     string `yaml:"versionUrl"`
	Host           string `yaml:"host"`
	RequiresCookie bool   `yaml:"requiresCookie"`
	CookieURL      string `yaml:"cookieUrl,omitempty"`
	AESKey         string `yaml:"aesKey"`               // hex
	AESIV          string `yaml:"aesIv"`                // hex
	InheritKey     string `yaml:"inheritKey,omitempty"` // signing key for the inherit token
	Inherit        bool   `yaml:"inherit"`
	Mysekai        bool   `yaml:"mysekai"`
}

func (u *Upstream) Keyset() (key, iv []byte, err error) {
	key, err = hex.DecodeString(u.AESKey)
	if err != nil {
		return nil, nil, fmt.Errorf("aesKey is not valid hex: %w", err)
	}
	iv, err = hex.DecodeString(u.AESIV)
	if err != nil {
		return nil, nil, fmt.Errorf("aesIv is not valid hex: %w", err)
	}
	return key, iv, nil
}

type Cache struct {
	StandardTTL time.Duration `yaml:"standard-ttl"`
	RedisAddr   string        `yaml:"redisAddr,omitempty"`
}

type Chunks struct {
	TTL time.Duration `yaml:"ttl"`
}

type Webhook struct {
	Secret    string `yaml:"secret"`
	UserAgent string `yaml:"userAgent"`
}

type Store struct {
	Directory string `yaml:"directory"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Upload  RateLimiterConfig `yaml:"upload"`
	Proxy   RateLimiterConfig `yaml:"proxy"`
	Webhook RateLimiterConfig `yaml:"webhook"`
	Default RateLimiterConfig `yaml:"default"`
}

type Service struct {
	HTTPBinding   string              `yaml:"httpBinding"`
	OutboundProxy string              `yaml:"outboundProxy,omitempty"`
	Servers       map[string]Upstream `yaml:"servers"`
	Cache         Cache               `yaml:"cache"`
	Chunks        Chunks              `yaml:"chunks"`
	Webhook       Webhook             `yaml:"webhook"`
	Store         Store               `yaml:"store"`
	RateLimiters  RateLimiters        `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable       = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable   = errors.New("config file is unmarshallable")
	ErrHTTPBindingMissing         = errors.New("httpBinding is missing in config")
	ErrServersMissing             = errors.New("no servers defined in config")
	ErrServerAPIMissing           = errors.New("api url is required for each server")
	ErrServerVersionURLMissing    = errors.New("versionUrl is required for each server")
	ErrServerKeysetMissing        = errors.New("aesKey and aesIv are required for each server")
	ErrServerCookieURLMissing     = errors.New("cookieUrl is required when requiresCookie is set")
	ErrServerInheritKeyMissing    = errors.New("inheritKey is required for servers with inherit enabled")
	ErrCacheStandardTTLMissing    = errors.New("cache.standard-ttl is missing in config")
	ErrChunkTTLMissing            = errors.New("chunks.ttl is missing in config")
	ErrWebhookSecretMissing       = errors.New("webhook.secret is missing in config")
	ErrStoreDirectoryMissing      = errors.New("store.directory is missing in config")
	ErrRateLimitersUploadMissing  = errors.New("rateLimiters.upload.limit is missing in config")
	ErrRateLimitersDefaultMissing = errors.New("rateLimiters.default.limit is missing in config")
)

func Load(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.HTTPBinding == "" {
		return nil, ErrHTTPBindingMissing
	}
	if len(cfg.Servers) == 0 {
		return nil, ErrServersMissing
	}

	for name, server := range cfg.Servers {
		if server.API == "" {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerAPIMissing)
		}
		if server.VersionURL == "" {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerVersionURLMissing)
		}
		if server.AESKey == "" || server.AESIV == "" {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerKeysetMissing)
		}
		if _, _, err := server.Keyset(); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		if server.RequiresCookie && server.CookieURL == "" {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerCookieURLMissing)
		}
		if server.Inherit && server.InheritKey == "" {
			return nil, fmt.Errorf("server %s: %w", name, ErrServerInheritKeyMissing)
		}
	}

	if cfg.Cache.StandardTTL == 0 {
		return nil, ErrCacheStandardTTLMissing
	}
	if cfg.Chunks.TTL == 0 {
		return nil, ErrChunkTTLMissing
	}
	if cfg.Webhook.Secret == "" {
		return nil, ErrWebhookSecretMissing
	}
	if cfg.Webhook.UserAgent == "" {
		cfg.Webhook.UserAgent = "SuiteSync/1.0"
	}
	if cfg.Store.Directory == "" {
		return nil, ErrStoreDirectoryMissing
	}

	if cfg.RateLimiters.Upload.Limit == 0 {
		return nil, ErrRateLimitersUploadMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultMissing
	}

	return &cfg, nil
}

// Generate produces a runnable starter config. Keys are placeholders; the
// operator has to fill in the real per-server key material.
func Generate() *Service {
	return &Service{
		HTTPBinding: "127.0.0.1:8080",
		Servers: map[string]Upstream{
			"jp": {
				API:            "https://production-game-api.example.jp/api",
				VersionURL:     "https://game-version.example.jp/current/version.json",
				Host:           "production-game-api.example.jp",
				RequiresCookie: true,
				CookieURL:      "https://issue.example.jp/api/information",
				AESKey:         "00000000000000000000000000000000",
				AESIV:          "00000000000000000000000000000000",
				InheritKey:     "1",
				Inherit:        true,
				Mysekai:        true,
			},
			"en": {
				API:        "https://n-production-game-api.example.com/api",
				VersionURL: "https://game-version.example.com/current/version.json",
				Host:       "n-production-game-api.example.com",
				AESKey:     "00000000000000000000000000000000",
				AESIV:      "00000000000000000000000000000000",
				InheritKey: "2",
				Inherit:    true,
			},
			"tw": {
				API:        "https://mk-zian-obt-cdn.example.tw/api",
				VersionURL: "https://game-version.example.tw/current/version.json",
				Host:       "mk-zian-obt-cdn.example.tw",
				AESKey:     "00000000000000000000000000000000",
				AESIV:      "00000000000000000000000000000000",
			},
			"kr": {
				API:        "https://mk-common-prod-kr.example.kr/api",
				VersionURL: "https://game-version.example.kr/current/version.json",
				Host:       "mk-common-prod-kr.example.kr",
				AESKey:     "00000000000000000000000000000000",
				AESIV:      "00000000000000000000000000000000",
			},
			"cn": {
				API:        "https://mk-game-cn.example.cn/api",
				VersionURL: "https://game-version.example.cn/current/version.json",
				Host:       "mk-game-cn.example.cn",
				AESKey:     "00000000000000000000000000000000",
				AESIV:      "00000000000000000000000000000000",
			},
		},
		Cache: Cache{
			StandardTTL: 5 * time.Minute,
		},
		Chunks: Chunks{
			TTL: 3 * time.Minute,
		},
		Webhook: Webhook{
			Secret:    "please_change_this_secret_in_production_!!!",
			UserAgent: "SuiteSync/1.0",
		},
		Store: Store{
			Directory: "data/suitesync",
		},
		RateLimiters: RateLimiters{
			Upload:  RateLimiterConfig{Limit: 20.0, Burst: 40},
			Proxy:   RateLimiterConfig{Limit: 20.0, Burst: 40},
			Webhook: RateLimiterConfig{Limit: 10.0, Burst: 20},
			Default: RateLimiterConfig{Limit: 50.0, Burst: 100},
		},
	}
}
