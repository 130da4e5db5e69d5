// Package lms owns the authenticated, cookie-bearing session with the learning management
// system.
package lms

import (
	"bytes"
	"context"
	"fmt"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/credentials"
	"lmsfetch/lib/restyutil"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/PuerkitoBio/purell"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("lmsfetch/lms")

const (
	report_session_fetch_login_token = "session.fetch-login-token"
	report_session_login             = "session.login"
	report_session_get               = "session.get"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type State int

const (
	Unauthenticated State = iota
	TokenFetched
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case TokenFetched:
		return "token-fetched"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	LoginURL   string
	LandingURL string

	// Timeout bounds every single request, retries included individually.
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration

	// RateLimit is the maximum amount of requests per second, 0 disables limiting.
	RateLimit float64
	Burst     int

	UserAgent        string
	CloudflareBypass bool
	// DumpDir, when set, receives a dump of every exchange with passwords and cookies redacted.
	DumpDir          string
}

// Page is a fetched resource, URL is the final url after redirects.
type Page struct {
	URL    *url.URL
	Status int
	Header http.Header
	Body   []byte
}

// Session is a single login with the lms. Create one per run, it must not be shared between
// concurrent runs. Once Login has succeeded, Get is safe to call concurrently.
type Session struct {
	http       *resty.Client
	loginURL   *url.URL
	landingURL string
	tel        telemetry.API

	mu    sync.RWMutex
	state State
}

func NewSession(opts Options, tel telemetry.API) (*Session, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.LoginURL)
	assert.NotEmptyStr(opts.LandingURL)

	tel = telemetry.NewScopedAPI("lms", tel)

	loginURL, err := url.Parse(opts.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	client.SetHeader("user-agent", userAgent)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	client.SetRetryCount(opts.Retries)
	if opts.RetryWait > 0 {
		client.SetRetryWaitTime(opts.RetryWait)
	}
	if opts.RetryMaxWait > 0 {
		client.SetRetryMaxWaitTime(opts.RetryMaxWait)
	}
	// conditions replace resty's default of only retrying on errors.
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if res == nil {
			return false
		}
		return res.StatusCode() == http.StatusTooManyRequests || res.StatusCode() >= 500
	})

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		// max burst >= 1 just means that no requests will be dropped
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(client, tel)
	if opts.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(opts.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("http dump dir: %w", err)
		}
		restyutil.DumpClient(client, output)
	}

	return &Session{
		http:       client,
		loginURL:   loginURL,
		landingURL: opts.LandingURL,
		tel:        tel,
		state:      Unauthenticated,
	}, nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) fail(err error) error {
	s.setState(Failed)
	return err
}

func finalURL(res *resty.Response) *url.URL {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL
	}
	parsed, err := url.Parse(res.Request.URL)
	if err != nil {
		return nil
	}
	return parsed
}

func normalizeURL(raw string) string {
	normalized, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveFragment)
	if err != nil {
		return raw
	}
	return normalized
}

// samePage compares the scheme-less host and path of two urls, ignoring query and fragment.
func samePage(a, b string) bool {
	left, err := url.Parse(normalizeURL(a))
	if err != nil {
		return false
	}
	right, err := url.Parse(normalizeURL(b))
	if err != nil {
		return false
	}
	return strings.EqualFold(left.Host, right.Host) && left.Path == right.Path
}

// LoginSucceeded is the login oracle, the lms does not return a structured success payload
// so a login only counts when it lands on the landing url with a 200.
func LoginSucceeded(status int, finalURL, landingURL string) bool {
	if status != http.StatusOK || finalURL == "" || landingURL == "" {
		return false
	}
	return normalizeURL(finalURL) == normalizeURL(landingURL)
}

// FetchLoginToken fetches the login page and extracts the csrf `logintoken` from it.
func (s *Session) FetchLoginToken(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "session:FetchLoginToken")
	defer span.End()

	endpoint := s.loginURL.String()
	res, err := s.http.R().
		SetContext(ctx).
		Get(endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login page")
		s.tel.ReportBroken(report_session_fetch_login_token, fmt.Errorf("fetch: %w", err), endpoint)
		return "", &TransportError{Op: "fetch login page", URL: endpoint, Err: err}
	}
	if !res.IsSuccess() {
		span.SetStatus(codes.Error, "unexpected status")
		s.tel.ReportBroken(report_session_fetch_login_token, res.Status(), endpoint)
		return "", &TransportError{Op: "fetch login page", URL: endpoint, Status: res.StatusCode()}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		s.tel.ReportBroken(report_session_fetch_login_token, fmt.Errorf("parse: %w", err), endpoint)
		return "", fmt.Errorf("parse login page: %w", err)
	}

	logintoken, ok := doc.Find("input[name=logintoken]").First().Attr("value")
	if !ok || logintoken == "" {
		span.SetStatus(codes.Error, "failed to find login token")
		s.tel.ReportBroken(report_session_fetch_login_token, ErrTokenNotFound, endpoint)
		return "", ErrTokenNotFound
	}

	s.setState(TokenFetched)
	return logintoken, nil
}

// Login fetches a fresh login token and submits the credentials with it.
//
// A rejected login is not an error, it returns false. Errors are only returned for a missing
// token, network failures or unusable credentials.
func (s *Session) Login(ctx context.Context, creds credentials.Credentials) (bool, error) {
	ctx, span := tracer.Start(ctx, "session:Login")
	defer span.End()

	if !creds.Valid() {
		return false, s.fail(credentials.ErrMissingCredentials)
	}

	s.tel.ReportInfo("logging in", "username", creds.Username)

	logintoken, err := s.FetchLoginToken(ctx)
	if err != nil {
		return false, s.fail(err)
	}

	endpoint := s.loginURL.String()
	res, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":         creds.Username,
			"password":         creds.Password,
			"logintoken":       logintoken,
			"rememberusername": "1",
		}).
		Post(endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		// the error is reported without the request since its body holds the password.
		s.tel.ReportBroken(report_session_login, fmt.Errorf("login request: %w", err), creds)
		return false, s.fail(&TransportError{Op: "submit login", URL: endpoint, Err: err})
	}

	landed := ""
	if u := finalURL(res); u != nil {
		landed = u.String()
	}
	span.SetAttributes(
		attribute.Int("login.status", res.StatusCode()),
		attribute.String("login.final_url", landed),
	)

	if !LoginSucceeded(res.StatusCode(), landed, s.landingURL) {
		span.SetStatus(codes.Error, "login rejected")
		s.tel.ReportWarning(
			report_session_login,
			fmt.Errorf("login rejected: status %d, landed on %s", res.StatusCode(), landed),
			creds,
		)
		s.setState(Failed)
		return false, nil
	}

	s.setState(Authenticated)
	s.tel.ReportInfo("logged in", "username", creds.Username, "landing", landed)
	return true, nil
}

// Get fetches `rawURL` with the session's cookies. Non-2xx responses are TransportErrors, so is
// a response that ended on the login page (ErrSessionExpired), which also fails the session.
func (s *Session) Get(ctx context.Context, rawURL string) (*Page, error) {
	if s.State() != Authenticated {
		return nil, ErrNotAuthenticated
	}

	res, err := s.http.R().
		SetContext(ctx).
		Get(rawURL)
	if err != nil {
		s.tel.ReportWarning(report_session_get, fmt.Errorf("fetch: %w", err), rawURL)
		return nil, &TransportError{Op: "get", URL: rawURL, Err: err}
	}
	landed := finalURL(res)
	if landed != nil && samePage(landed.String(), s.loginURL.String()) {
		// logged out, expired or never allowed in, every later request would land here too.
		s.setState(Failed)
		s.tel.ReportBroken(report_session_get, ErrSessionExpired, rawURL)
		return nil, &TransportError{Op: "get", URL: rawURL, Status: res.StatusCode(), Err: ErrSessionExpired}
	}
	if !res.IsSuccess() {
		s.tel.ReportWarning(report_session_get, res.Status(), rawURL)
		return nil, &TransportError{Op: "get", URL: rawURL, Status: res.StatusCode()}
	}

	return &Page{
		URL:    landed,
		Status: res.StatusCode(),
		Header: res.Header(),
		Body:   res.Body(),
	}, nil
}
