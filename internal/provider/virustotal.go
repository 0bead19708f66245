package provider

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	vt "github.com/VirusTotal/vt-go"
	"github.com/pkg/errors"
)

// VirusTotalAPI talks to the v3 API. Metadata calls go through the shared
// HTTP client; sample downloads go through vt-go.
type VirusTotalAPI struct {
	base
	now func() time.Time
}

func NewVirusTotal(opts Options) *VirusTotalAPI {
	v := &VirusTotalAPI{base: newBase(VirusTotal, opts), now: time.Now}
	if opts.BaseURL != "" {
		// vt-go keeps its host in a package variable and always appends
		// "api/v3/", so only the scheme and host of a configured url reach it
		// and the last VirusTotal adapter built decides the host for all.
		if u, err := url.Parse(v.baseURL); err == nil && u.Host != "" {
			vt.SetHost(u.Scheme + "://" + u.Host)
		}
	}
	return v
}

func (v *VirusTotalAPI) get(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := v.newRequest(http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("accept", "application/json")
	return v.fetch(ctx, req)
}

// Info reports the daily, hourly and monthly request quotas of the key owner.
func (v *VirusTotalAPI) Info(ctx context.Context) Result {
	resp, body, err := v.get(ctx, "/users/"+url.PathEscape(v.apiKey)+"/overall_quotas")
	if err != nil {
		return v.transportError("getting API info", err)
	}
	return v.infoResult(resp, body, func() string {
		data := decodeObject(body)
		return fmt.Sprintf("\n\t[ VirusTotal ]\n\t\t[+] Daily: %s/%s\n\t\t[+] Hourly: %s/%s\n\t\t[+] Monthly: %s/%s",
			field(data, "data", "api_requests_daily", "user", "used"), field(data, "data", "api_requests_daily", "user", "allowed"),
			field(data, "data", "api_requests_hourly", "user", "used"), field(data, "data", "api_requests_hourly", "user", "allowed"),
			field(data, "data", "api_requests_monthly", "user", "used"), field(data, "data", "api_requests_monthly", "user", "allowed"))
	})
}

// Latest stores the file feed batch from one hour ago in a timestamped file
// inside dir. The feed is a premium feature.
func (v *VirusTotalAPI) Latest(ctx context.Context, dir string) Result {
	now := v.now()
	batch := now.Add(-time.Hour).UTC().Format("200601021504")

	req, err := v.newRequest(http.MethodGet, v.baseURL+"/feeds/files/"+batch, nil)
	if err != nil {
		return v.transportError("getting latest submissions", err)
	}
	req.Header.Set("x-apikey", v.apiKey)

	resp, err := v.do(ctx, req)
	if err != nil {
		return v.transportError("getting latest submissions", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return v.rateLimited()
	case http.StatusForbidden:
		return v.forbidden()
	default:
		return failResult(v.kind, StatusFailed, "\t[!] Error, Could not get latest submissions from VirusTotal.",
			errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	filename := filepath.Join(dir, "vt-feed-"+now.Format("2006-01-02-15-04-05"))
	if err := writeToFile(resp.Body, filename); err != nil {
		os.Remove(filename)
		v.log.WithError(err).Warn("error writing feed")
		return failResult(v.kind, StatusFailed, fmt.Sprintf("\t[!] Error writing file, %v", err), err)
	}
	v.log.WithField("file", filename).Info("successfully requested latest submissions")
	res := okResult(v.kind, fmt.Sprintf("\t[+] Wrote daily pull to %s", filename))
	res.Path = filename
	return res
}

func (v *VirusTotalAPI) Search(ctx context.Context, ioc string) Result {
	resp, body, err := v.get(ctx, "/files/"+url.PathEscape(ioc))
	if err != nil {
		return v.transportError("searching for ioc", err)
	}
	return v.jsonResult(resp, body)
}

// Download requires a premium key. The sample is written to a temporary
// file in dir and renamed to dir/ioc only once it is complete, so a failed
// attempt never touches an earlier download.
func (v *VirusTotalAPI) Download(ctx context.Context, ioc string, dir string) Result {
	if err := ctx.Err(); err != nil {
		return v.transportError("downloading sample", err)
	}
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return v.transportError("downloading sample", errors.Wrap(err, "rate limiter"))
		}
	}

	log := v.log.WithField("ioc", ioc)
	filename := filepath.Join(dir, ioc)
	tmp, err := ioutil.TempFile(dir, "."+ioc+"-*.part")
	if err != nil {
		err = errors.Wrapf(err, "creating temporary file in %s", dir)
		log.WithError(err).Warn("error writing sample")
		return failResult(v.kind, StatusFailed, fmt.Sprintf("\t[!] I/O Error downloading sample %s.\n\t%v", ioc, err), err)
	}
	defer os.Remove(tmp.Name())

	// vt-go takes no context, so it is carried by the transport instead.
	client := vt.NewClient(v.apiKey, vt.WithHTTPClient(v.contextClient(ctx)))
	n, err := client.DownloadFile(ioc, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "closing %s", tmp.Name())
	}
	if err == nil && n == 0 {
		err = errors.New("empty sample")
	}
	if err != nil {
		log.WithError(err).Warn("failed to identify ioc")
		if ctx.Err() != nil {
			return v.transportError("downloading sample", ctx.Err())
		}
		switch vtErrorCode(err) {
		case "QuotaExceededError", "TooManyRequestsError":
			return v.rateLimited()
		case "ForbiddenError", "UserNotActiveError":
			return v.forbidden()
		}
		return failResult(v.kind, StatusNotFound, fmt.Sprintf("\t[!] Failed to identify ioc %s.\n\t[ERROR] %v", ioc, err), err)
	}

	if err := os.Rename(tmp.Name(), filename); err != nil {
		err = errors.Wrapf(err, "moving sample to %s", filename)
		log.WithError(err).Warn("error writing sample")
		return failResult(v.kind, StatusFailed, fmt.Sprintf("\t[!] I/O Error downloading sample %s.\n\t%v", ioc, err), err)
	}

	log.Info("successfully downloaded sample")
	res := okResult(v.kind, fmt.Sprintf("\t[+] Successfully downloaded sample %s.", ioc))
	res.Path = filename
	return res
}

// contextClient copies the adapter's HTTP client with every request bound
// to ctx.
func (v *VirusTotalAPI) contextClient(ctx context.Context) *http.Client {
	next := v.client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c := *v.client
	c.Transport = contextTransport{ctx: ctx, next: next}
	return &c
}

type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// vtErrorCode returns the API error code vt-go decoded, if any.
func vtErrorCode(err error) string {
	switch e := errors.Cause(err).(type) {
	case vt.Error:
		return e.Code
	case *vt.Error:
		if e != nil {
			return e.Code
		}
	}
	return ""
}
