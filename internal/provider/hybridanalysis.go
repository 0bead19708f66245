package provider

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"mquery/internal/sample"
)

// Hybrid-Analysis requires this exact user agent.
const falconUserAgent = "Falcon Sandbox"

// HybridAnalysisAPI talks to https://www.hybrid-analysis.com/api/v2.
type HybridAnalysisAPI struct {
	base
}

type hybridAnalysisFeed struct {
	Data []struct {
		Sha256 string `json:"sha256"`
	} `json:"data"`
}

func NewHybridAnalysis(opts Options) *HybridAnalysisAPI {
	return &HybridAnalysisAPI{base: newBase(HybridAnalysis, opts)}
}

// headers returns a fresh header set; the search endpoint takes a form body
// while the others are plain GETs.
func (h *HybridAnalysisAPI) headers(accept string, form bool) http.Header {
	hdr := http.Header{}
	hdr.Set("accept", accept)
	hdr.Set("User-Agent", falconUserAgent)
	hdr.Set("api-key", h.apiKey)
	if form {
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return hdr
}

func (h *HybridAnalysisAPI) get(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := h.newRequest(http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header = h.headers("application/json", false)
	return h.fetch(ctx, req)
}

// Info reports the minute and hour quotas carried in the Api-Limits header.
func (h *HybridAnalysisAPI) Info(ctx context.Context) Result {
	resp, body, err := h.get(ctx, "/key/current")
	if err != nil {
		return h.transportError("getting API info", err)
	}
	return h.infoResult(resp, body, func() string {
		limits := decodeObject([]byte(resp.Header.Get("Api-Limits")))
		return fmt.Sprintf("\n\t[ Hybrid-Analysis ]\n\t\t[+] Limits: M:%s H:%s\n\t\t[+] Used: M:%s H:%s",
			field(limits, "limits", "minute"), field(limits, "limits", "hour"),
			field(limits, "used", "minute"), field(limits, "used", "hour"))
	})
}

func (h *HybridAnalysisAPI) Latest(ctx context.Context, dir string) Result {
	resp, body, err := h.get(ctx, "/feed/latest")
	if err != nil {
		return h.transportError("getting latest submissions", err)
	}
	return h.latestResult(resp, body)
}

func (h *HybridAnalysisAPI) Search(ctx context.Context, ioc string) Result {
	form := url.Values{"hash": {ioc}}
	req, err := h.newRequest(http.MethodPost, h.baseURL+"/search/hash", strings.NewReader(form.Encode()))
	if err != nil {
		return h.transportError("searching for ioc", err)
	}
	req.Header = h.headers("application/json", true)

	resp, body, err := h.fetch(ctx, req)
	if err != nil {
		return h.transportError("searching for ioc", err)
	}
	return h.jsonResult(resp, body)
}

// Download fetches the gzip-wrapped sample and writes it decompressed.
// Only sha256 identifiers are accepted by the service; others are still
// sent but logged.
func (h *HybridAnalysisAPI) Download(ctx context.Context, ioc string, dir string) Result {
	if ht, _ := sample.TypeOf(ioc); ht != sample.SHA256 {
		h.log.WithField("ioc", ioc).Warn("Hybrid-Analysis requires a sha256 ioc to download")
	}

	req, err := h.newRequest(http.MethodGet, h.baseURL+"/overview/"+url.PathEscape(ioc)+"/sample", nil)
	if err != nil {
		return h.transportError("downloading sample", err)
	}
	req.Header = h.headers("application/gzip", false)

	resp, err := h.do(ctx, req)
	if err != nil {
		return h.transportError("downloading sample", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			h.log.WithField("ioc", ioc).WithError(err).Debug("download failure carried no message")
		}
		return h.downloadFailure(ioc, resp, msg.Message)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		err = errors.Wrap(err, "opening gzip stream")
		h.log.WithField("ioc", ioc).WithError(err).Warn("error decompressing sample")
		return failResult(h.kind, StatusFailed, fmt.Sprintf("\t[!] I/O Error downloading sample %s.\n\t%v", ioc, err), err)
	}
	defer gz.Close()
	return h.saveSample(ioc, dir, gz)
}

// DownloadFeed downloads every sample listed in the latest feed.
func (h *HybridAnalysisAPI) DownloadFeed(ctx context.Context, dir string) Result {
	resp, body, err := h.get(ctx, "/feed/latest")
	if err != nil {
		return h.transportError("getting latest submissions", err)
	}
	if resp.StatusCode != http.StatusOK {
		return h.latestResult(resp, body)
	}

	var feed hybridAnalysisFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return failResult(h.kind, StatusFailed,
			fmt.Sprintf("\t[!] Error, could not parse the %s feed.\n\t%v", h.name(), err), errors.Wrap(err, "parsing feed"))
	}

	seen := map[string]bool{}
	attempted, downloaded := 0, 0
	for _, entry := range feed.Data {
		if entry.Sha256 == "" || seen[entry.Sha256] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		seen[entry.Sha256] = true
		attempted++
		if res := h.Download(ctx, entry.Sha256, dir); res.OK() {
			downloaded++
			h.log.WithField("ioc", entry.Sha256).Info("downloaded feed sample")
		}
	}
	text := fmt.Sprintf("\t[%s] Downloaded %d of %d samples from the latest feed.", h.name(), downloaded, attempted)
	if downloaded == 0 && attempted > 0 {
		return failResult(h.kind, StatusNotFound, text, nil)
	}
	return okResult(h.kind, text)
}
