package reddit

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

const clientTimeout = 30 * time.Second

// Factory builds one client per lease, bound to the account's credentials
// and the proxy assigned at acquire time. It implements
// domain.ClientFactory.
type Factory struct {
	baseURL   string
	tokenURL  string
	userAgent string
	backoff   config.BackoffConfig
}

// NewFactory wires the factory from the remote API config knobs.
func NewFactory(cfg config.Config) *Factory {
	return &Factory{
		baseURL:   cfg.RedditBaseURL,
		tokenURL:  cfg.RedditTokenURL,
		userAgent: cfg.UserAgent,
		backoff:   cfg.TokenBackoff(),
	}
}

// NewClient builds an authenticated session. Token acquisition is lazy;
// construction never touches the network.
func (f *Factory) NewClient(acct domain.Account, proxy *domain.Proxy) (domain.RedditClient, error) {
	base := http.DefaultTransport
	if proxy != nil && proxy.HTTP != "" {
		proxyURL, err := url.Parse(proxy.HTTP)
		if err != nil {
			return nil, fmt.Errorf("op=reddit.new_client: proxy url: %w", err)
		}
		t, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("op=reddit.new_client: default transport is not *http.Transport")
		}
		t = t.Clone()
		t.Proxy = http.ProxyURL(proxyURL)
		base = t
	}
	transport := otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Reddit %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		acct:      acct,
		proxy:     proxy,
		hc:        &http.Client{Timeout: clientTimeout, Transport: transport},
		baseURL:   f.baseURL,
		tokenURL:  f.tokenURL,
		userAgent: f.userAgent,
		retry:     f.backoff,
	}, nil
}
