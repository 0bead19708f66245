package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// base holds what the adapters share: credential, endpoint, HTTP client,
// limiter and logger. It is never mutated after construction.
type base struct {
	kind    Type
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

func (b *base) Type() Type {
	return b.kind
}

func (b *base) name() string {
	return b.kind.DisplayName()
}

// do waits on the limiter and sends req bound to ctx.
func (b *base) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}
	return b.client.Do(req.WithContext(ctx))
}

// fetch sends req and reads the whole body.
func (b *base) fetch(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, err := b.do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, errors.Wrap(err, "reading response body")
	}
	return resp, body, nil
}

func (b *base) newRequest(method string, uri string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", b.name())
	}
	return req, nil
}

func (b *base) unsupported(what string) Result {
	b.log.Infof("%s does not provide %s", b.name(), what)
	return failResult(b.kind, StatusUnsupported, fmt.Sprintf("\t[*] %s does not support %s.", b.name(), what), nil)
}

func (b *base) rateLimited() Result {
	return failResult(b.kind, StatusRateLimited,
		fmt.Sprintf("\t[!] Error, too many requests being made against %s.", b.name()), nil)
}

func (b *base) forbidden() Result {
	return failResult(b.kind, StatusForbidden,
		fmt.Sprintf("\t[!] Error, you do not have appropriate permissions to make this %s API request.", b.name()), nil)
}

func (b *base) transportError(what string, err error) Result {
	b.log.WithError(err).Warnf("%s failed", what)
	return failResult(b.kind, StatusFailed, fmt.Sprintf("\t[!] Error %s with %s!\n\t%v", what, b.name(), err), err)
}

// infoResult interprets a quota request; format renders a 200 body.
func (b *base) infoResult(resp *http.Response, body []byte, format func() string) Result {
	switch resp.StatusCode {
	case http.StatusOK:
		b.log.Info("successfully requested API info endpoint")
		return okResult(b.kind, format())
	case http.StatusTooManyRequests:
		return b.rateLimited()
	case http.StatusForbidden:
		return b.forbidden()
	}
	return failResult(b.kind, StatusFailed,
		fmt.Sprintf("\t[!] Error, %s API request for API limits went horribly wrong. %s", b.name(), body),
		errors.Errorf("unexpected status %d", resp.StatusCode))
}

// jsonResult interprets a metadata or feed response: empty bodies are
// "no content", empty JSON containers are "not found", other JSON is
// indented and anything else is passed through verbatim.
func (b *base) jsonResult(resp *http.Response, body []byte) Result {
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return b.rateLimited()
	case http.StatusForbidden:
		return b.forbidden()
	default:
		return failResult(b.kind, StatusNotFound, fmt.Sprintf("\t[%s] Hash not found.", b.name()),
			errors.Errorf("unexpected status %d", resp.StatusCode))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return failResult(b.kind, StatusNoContent, "\t[!] Error, HTTP request succeeded, but no content is available.", nil)
	}
	if string(trimmed) == "[]" || string(trimmed) == "{}" {
		return failResult(b.kind, StatusNotFound, fmt.Sprintf("\t[%s] Hash not found.", b.name()), nil)
	}
	pretty, err := prettyJSON(trimmed)
	if err != nil {
		return okResult(b.kind, string(body))
	}
	return okResult(b.kind, fmt.Sprintf("[%s]\n%s", b.name(), pretty))
}

// latestResult interprets a feed response. Unlike a search, an unexpected
// status is a failure rather than "not found".
func (b *base) latestResult(resp *http.Response, body []byte) Result {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, http.StatusForbidden:
		return b.jsonResult(resp, body)
	}
	return failResult(b.kind, StatusFailed,
		fmt.Sprintf("\t[!] Error, %s API request for latest submissions went horribly wrong. %s", b.name(), body),
		errors.Errorf("unexpected status %d", resp.StatusCode))
}

// downloadFailure logs and classifies a non-200 sample download.
func (b *base) downloadFailure(ioc string, resp *http.Response, detail string) Result {
	log := b.log.WithField("ioc", ioc).WithField("status", resp.StatusCode)
	if detail != "" {
		log = log.WithField("detail", detail)
	}
	log.Warn("failed to identify ioc")

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return b.rateLimited()
	case http.StatusForbidden:
		return b.forbidden()
	case http.StatusNotFound:
		return failResult(b.kind, StatusNotFound, fmt.Sprintf("\t[!] Failed to identify ioc %s.\n\t[ERROR] %d", ioc, resp.StatusCode), nil)
	}
	return failResult(b.kind, StatusFailed, fmt.Sprintf("\t[!] Failed to identify ioc %s.\n\t[ERROR] %d", ioc, resp.StatusCode),
		errors.Errorf("unexpected status %d", resp.StatusCode))
}

// saveSample writes r to dir/ioc. A partially written file is removed.
func (b *base) saveSample(ioc string, dir string, r io.Reader) Result {
	filename := filepath.Join(dir, ioc)
	if err := writeToFile(r, filename); err != nil {
		os.Remove(filename)
		b.log.WithField("ioc", ioc).WithError(err).Warn("error writing sample")
		return failResult(b.kind, StatusFailed, fmt.Sprintf("\t[!] I/O Error downloading sample %s.\n\t%v", ioc, err), err)
	}
	b.log.WithField("ioc", ioc).Info("successfully downloaded sample")
	res := okResult(b.kind, fmt.Sprintf("\t[+] Successfully downloaded sample %s.", ioc))
	res.Path = filename
	return res
}

func writeToFile(r io.Reader, filename string) error {
	out, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filename)
	}

	if _, err = io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(err, "writing %s", filename)
	}
	return errors.Wrapf(out.Close(), "closing %s", filename)
}

func prettyJSON(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "    "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// field walks nested JSON objects and renders the leaf, or "unknown" when
// any step is missing.
func field(m map[string]interface{}, path ...string) string {
	var cur interface{} = m
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "unknown"
		}
		cur, ok = obj[p]
		if !ok || cur == nil {
			return "unknown"
		}
	}
	switch cur.(type) {
	case map[string]interface{}, []interface{}:
		return "unknown"
	}
	return fmt.Sprintf("%v", cur)
}

// decodeObject parses body as a JSON object, keeping numbers as written so
// large quotas are not printed in exponent form. Failure yields an empty map
// so the formatters print "unknown" for every field.
func decodeObject(body []byte) map[string]interface{} {
	m := map[string]interface{}{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return map[string]interface{}{}
	}
	return m
}
