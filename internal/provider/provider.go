// Package provider wraps each malware intelligence service behind the same
// small capability set: quota info, latest submissions, hash search and
// sample download.
package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Provider is implemented once per external service. No method returns an
// error; every failure is folded into the Result.
type Provider interface {
	Type() Type
	Info(ctx context.Context) Result
	Latest(ctx context.Context, dir string) Result
	Search(ctx context.Context, ioc string) Result
	Download(ctx context.Context, ioc string, dir string) Result
}

// FeedDownloader is implemented by providers that can bulk download the
// samples listed in their latest-submissions feed.
type FeedDownloader interface {
	DownloadFeed(ctx context.Context, dir string) Result
}

type Type int64

const (
	NotSupported Type = iota //NotSupported must always be first

	Malshare
	HybridAnalysis
	VirusTotal
	AVCaesar

	// lastType must always be last
	lastType
)

// Types returns every supported provider in registration order.
func Types() []Type {
	var types []Type
	for t := NotSupported + 1; t < lastType; t++ {
		types = append(types, t)
	}
	return types
}

func (t Type) String() string {
	switch t {
	case Malshare:
		return "Malshare"
	case HybridAnalysis:
		return "HybridAnalysis"
	case VirusTotal:
		return "VirusTotal"
	case AVCaesar:
		return "AVCaesar"
	}
	return "NotSupported"
}

// DisplayName is the name used in console output.
func (t Type) DisplayName() string {
	switch t {
	case HybridAnalysis:
		return "Hybrid-Analysis"
	case AVCaesar:
		return "AV Caesar"
	}
	return t.String()
}

// FlagName is the short name accepted by --provider.
func (t Type) FlagName() string {
	switch t {
	case Malshare:
		return "ms"
	case HybridAnalysis:
		return "ha"
	case VirusTotal:
		return "vt"
	case AVCaesar:
		return "ac"
	}
	return ""
}

func (t Type) DefaultURL() string {
	switch t {
	case Malshare:
		return "https://malshare.com"
	case HybridAnalysis:
		return "https://www.hybrid-analysis.com/api/v2"
	case VirusTotal:
		return "https://www.virustotal.com/api/v3"
	case AVCaesar:
		return "https://avcaesar.malware.lu/api/v1"
	}
	return ""
}

// ByName resolves the long name, the flag name or one of the historical
// aliases (hba, avc) to a Type. Matching is case insensitive.
func ByName(name string) Type {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, t := range Types() {
		if n == strings.ToLower(t.String()) || n == strings.ToLower(t.DisplayName()) || n == t.FlagName() {
			return t
		}
	}
	switch n {
	case "hba":
		return HybridAnalysis
	case "avc":
		return AVCaesar
	}
	return NotSupported
}

// Options carries what every adapter needs at construction.
type Options struct {
	APIKey string
	// BaseURL overrides Type.DefaultURL when set.
	BaseURL string
	// Timeout bounds every request; zero means DefaultTimeout.
	Timeout time.Duration
	// RateLimit is the allowed number of requests per minute; zero disables limiting.
	RateLimit float64
	Logger    *logrus.Entry
	// HTTPClient replaces the client built from Timeout when set.
	HTTPClient *http.Client
}

const DefaultTimeout = 30 * time.Second

// New builds the adapter for t.
func New(t Type, opts Options) Provider {
	switch t {
	case Malshare:
		return NewMalshare(opts)
	case HybridAnalysis:
		return NewHybridAnalysis(opts)
	case VirusTotal:
		return NewVirusTotal(opts)
	case AVCaesar:
		return NewAVCaesar(opts)
	}
	return nil
}

func newBase(t Type, opts Options) base {
	b := base{
		kind:    t,
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.HTTPClient,
		log:     opts.Logger,
	}
	if b.baseURL == "" {
		b.baseURL = t.DefaultURL()
	}
	if b.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		b.client = &http.Client{Timeout: timeout}
	}
	if b.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		b.log = logrus.NewEntry(l)
	}
	b.log = b.log.WithField("provider", t.String())
	if opts.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit/60), 1)
	}
	return b
}
