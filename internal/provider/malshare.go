package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// MalshareAPI talks to https://malshare.com/api.php. The key travels as a
// query parameter, so request URLs are never logged.
type MalshareAPI struct {
	base
}

func NewMalshare(opts Options) *MalshareAPI {
	return &MalshareAPI{base: newBase(Malshare, opts)}
}

func (m *MalshareAPI) endpoint(action string, extra url.Values) string {
	q := url.Values{}
	q.Set("api_key", m.apiKey)
	q.Set("action", action)
	for k, v := range extra {
		q[k] = v
	}
	return m.baseURL + "/api.php?" + q.Encode()
}

func (m *MalshareAPI) get(ctx context.Context, action string, extra url.Values) (*http.Response, []byte, error) {
	req, err := m.newRequest(http.MethodGet, m.endpoint(action, extra), nil)
	if err != nil {
		return nil, nil, err
	}
	return m.fetch(ctx, req)
}

func (m *MalshareAPI) Info(ctx context.Context) Result {
	resp, body, err := m.get(ctx, "getlimit", nil)
	if err != nil {
		return m.transportError("getting API info", err)
	}
	return m.infoResult(resp, body, func() string {
		data := decodeObject(body)
		return fmt.Sprintf("\n\t[ Malshare ]\n\t\t[+] Limit: %s\n\t\t[+] Remaining: %s",
			field(data, "LIMIT"), field(data, "REMAINING"))
	})
}

// Latest looks up the details of every sample listed in the past 24 hours.
// When no details can be fetched the raw list is returned instead.
func (m *MalshareAPI) Latest(ctx context.Context, dir string) Result {
	resp, body, err := m.get(ctx, "getlist", nil)
	if err != nil {
		return m.transportError("getting latest submissions", err)
	}
	if resp.StatusCode != http.StatusOK {
		return m.latestResult(resp, body)
	}

	var list []struct {
		MD5 string `json:"md5"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return m.latestResult(resp, body)
	}

	var sb strings.Builder
	sb.WriteString("[" + m.name() + "]")
	found := 0
	for _, entry := range list {
		if entry.MD5 == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		log := m.log.WithField("ioc", entry.MD5)
		dresp, dbody, err := m.get(ctx, "details", url.Values{"hash": {entry.MD5}})
		if err != nil {
			log.WithError(err).Warn("could not get sample details")
			continue
		}
		if dresp.StatusCode == http.StatusTooManyRequests {
			log.Warn("rate limited while getting sample details, stopping")
			break
		}
		if dresp.StatusCode != http.StatusOK {
			log.WithField("status", dresp.StatusCode).Debug("no details for sample")
			continue
		}
		pretty, err := prettyJSON(dbody)
		if err != nil {
			pretty = string(dbody)
		}
		sb.WriteString("\n" + pretty)
		found++
	}
	if found == 0 {
		return m.latestResult(resp, body)
	}
	return okResult(m.kind, sb.String())
}

func (m *MalshareAPI) Search(ctx context.Context, ioc string) Result {
	resp, body, err := m.get(ctx, "details", url.Values{"hash": {ioc}})
	if err != nil {
		return m.transportError("searching for ioc", err)
	}
	m.log.WithField("ioc", ioc).Debug("search response received")
	return m.jsonResult(resp, body)
}

func (m *MalshareAPI) Download(ctx context.Context, ioc string, dir string) Result {
	req, err := m.newRequest(http.MethodGet, m.endpoint("getfile", url.Values{"hash": {ioc}}), nil)
	if err != nil {
		return m.transportError("downloading sample", err)
	}
	resp, err := m.do(ctx, req)
	if err != nil {
		return m.transportError("downloading sample", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m.downloadFailure(ioc, resp, "")
	}
	return m.saveSample(ioc, dir, resp.Body)
}
