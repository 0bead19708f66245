package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// AVCaesarAPI talks to https://avcaesar.malware.lu/api/v1. The key is sent
// as the apikey cookie.
type AVCaesarAPI struct {
	base
}

func NewAVCaesar(opts Options) *AVCaesarAPI {
	return &AVCaesarAPI{base: newBase(AVCaesar, opts)}
}

func (a *AVCaesarAPI) request(path string) (*http.Request, error) {
	req, err := a.newRequest(http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: "apikey", Value: a.apiKey})
	return req, nil
}

func (a *AVCaesarAPI) Info(ctx context.Context) Result {
	req, err := a.request("/user/quota")
	if err != nil {
		return a.transportError("getting API info", err)
	}
	resp, body, err := a.fetch(ctx, req)
	if err != nil {
		return a.transportError("getting API info", err)
	}
	return a.infoResult(resp, body, func() string {
		data := decodeObject(body)
		return fmt.Sprintf("\n\t[ AV Caesar ]\n\t\t[+] Analysis: %s/%s\n\t\t[+] Download: %s/%s\n\t\t[+] Info: %s/%s",
			field(data, "analysis", "current"), field(data, "analysis", "limit"),
			field(data, "download", "current"), field(data, "download", "limit"),
			field(data, "info", "current"), field(data, "info", "limit"))
	})
}

// Latest is not offered by AV Caesar.
func (a *AVCaesarAPI) Latest(ctx context.Context, dir string) Result {
	return a.unsupported("latest submissions")
}

func (a *AVCaesarAPI) Search(ctx context.Context, ioc string) Result {
	req, err := a.request("/sample/" + url.PathEscape(ioc))
	if err != nil {
		return a.transportError("searching for ioc", err)
	}
	resp, body, err := a.fetch(ctx, req)
	if err != nil {
		return a.transportError("searching for ioc", err)
	}
	return a.jsonResult(resp, body)
}

func (a *AVCaesarAPI) Download(ctx context.Context, ioc string, dir string) Result {
	req, err := a.request("/sample/" + url.PathEscape(ioc) + "/download")
	if err != nil {
		return a.transportError("downloading sample", err)
	}
	resp, err := a.do(ctx, req)
	if err != nil {
		return a.transportError("downloading sample", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.downloadFailure(ioc, resp, "")
	}
	return a.saveSample(ioc, dir, resp.Body)
}
