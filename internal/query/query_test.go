package query

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"mquery/internal/config"
	"mquery/internal/provider"
)

const (
	helloSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
)

type fakeProvider struct {
	kind    provider.Type
	opts    provider.Options
	status  provider.Status
	content string
	panics  bool
	delay   time.Duration

	calls    int32
	inflight *int32
	peak     *int32
}

func (f *fakeProvider) Type() provider.Type { return f.kind }

func (f *fakeProvider) call() provider.Result {
	atomic.AddInt32(&f.calls, 1)
	if f.inflight != nil {
		n := atomic.AddInt32(f.inflight, 1)
		defer atomic.AddInt32(f.inflight, -1)
		for {
			p := atomic.LoadInt32(f.peak)
			if n <= p || atomic.CompareAndSwapInt32(f.peak, p, n) {
				break
			}
		}
	}
	time.Sleep(f.delay)
	if f.panics {
		panic("adapter bug")
	}
	return provider.Result{Provider: f.kind, Status: f.status, Text: f.kind.String()}
}

func (f *fakeProvider) Info(ctx context.Context) provider.Result { return f.call() }

func (f *fakeProvider) Latest(ctx context.Context, dir string) provider.Result { return f.call() }

func (f *fakeProvider) Search(ctx context.Context, ioc string) provider.Result { return f.call() }

func (f *fakeProvider) Download(ctx context.Context, ioc string, dir string) provider.Result {
	res := f.call()
	if !res.OK() {
		return res
	}
	res.Path = filepath.Join(dir, ioc)
	if err := ioutil.WriteFile(res.Path, []byte(f.content), 0644); err != nil {
		return provider.Result{Provider: f.kind, Status: provider.StatusFailed, Err: err}
	}
	return res
}

type feedProvider struct {
	fakeProvider
	feeds int32
}

func (f *feedProvider) DownloadFeed(ctx context.Context, dir string) provider.Result {
	atomic.AddInt32(&f.feeds, 1)
	return provider.Result{Provider: f.kind, Status: provider.StatusOK, Text: "feed"}
}

func nullLog() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"info", "search", "list", "download", "daily", " Download "} {
		a, err := ParseAction(name)
		if err != nil {
			t.Errorf("ParseAction(%q): %v", name, err)
			continue
		}
		if a.String() != strings.ToLower(strings.TrimSpace(name)) {
			t.Errorf("ParseAction(%q).String() = %s", name, a)
		}
	}
	if _, err := ParseAction("upload"); err == nil {
		t.Errorf("ParseAction accepted an unknown action")
	}
	if !ActionSearch.NeedsHash() || !ActionDownload.NeedsHash() || ActionInfo.NeedsHash() || ActionList.NeedsHash() {
		t.Errorf("NeedsHash disagrees with the hash based actions")
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("all")
	if err != nil || !s.Includes(provider.Malshare) || !s.Includes(provider.AVCaesar) {
		t.Errorf("ParseScope(all) = %v, %v", s, err)
	}
	s, err = ParseScope("hba")
	if err != nil || !s.Includes(provider.HybridAnalysis) || s.Includes(provider.VirusTotal) {
		t.Errorf("ParseScope(hba) = %v, %v", s, err)
	}
	if _, err := ParseScope("mwdb"); err == nil {
		t.Errorf("ParseScope accepted an unknown provider")
	}
}

func TestEnvMap(t *testing.T) {
	env := EnvMap([]string{"VT_TOKEN=abc=def", "EMPTY=", "broken"})
	if env["VT_TOKEN"] != "abc=def" {
		t.Errorf("VT_TOKEN = %q", env["VT_TOKEN"])
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Errorf("EMPTY = %q, %t", v, ok)
	}
	if len(env) != 2 {
		t.Errorf("EnvMap kept %d entries, want 2", len(env))
	}
}

func fakeRegistrations() []Registration {
	var regs []Registration
	for _, r := range DefaultRegistrations() {
		r := r
		r.New = func(o provider.Options) provider.Provider {
			return &fakeProvider{kind: r.Type, opts: o}
		}
		regs = append(regs, r)
	}
	return regs
}

func TestSelect(t *testing.T) {
	log, hook := nullLog()
	env := map[string]string{
		"MALSHARE_TOKEN": "ms-env",
		"VT_TOKEN":       "vt-env",
	}
	entries := []config.RepositoryConfigEntry{
		{Type: "VirusTotal", Host: "http://vt.local", Api: "vt-config", QueryOrder: 1, RateLimit: 4},
		{Type: "HybridAnalysis", Api: "ha-config"},
	}

	providers := Select(env, ScopeAll, entries, fakeRegistrations(), provider.Options{Timeout: time.Second}, log)
	if len(providers) != 3 {
		t.Fatalf("Select returned %d providers, want 3", len(providers))
	}

	want := []provider.Type{provider.VirusTotal, provider.Malshare, provider.HybridAnalysis}
	for i, p := range providers {
		if p.Type() != want[i] {
			t.Errorf("provider %d = %s, want %s", i, p.Type(), want[i])
		}
	}

	vt := providers[0].(*fakeProvider).opts
	if vt.APIKey != "vt-env" || vt.BaseURL != "http://vt.local" || vt.RateLimit != 4 || vt.Timeout != time.Second {
		t.Errorf("VirusTotal options = %+v", vt)
	}
	if ha := providers[2].(*fakeProvider).opts; ha.APIKey != "ha-config" || ha.BaseURL != "" {
		t.Errorf("HybridAnalysis options = %+v", ha)
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "AVCAESAR_TOKEN") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no warning named the missing AVCAESAR_TOKEN")
	}
}

func TestSelectScope(t *testing.T) {
	log, hook := nullLog()
	env := map[string]string{"MALSHARE_TOKEN": "ms-env"}

	providers := Select(env, ScopeOf(provider.Malshare), nil, fakeRegistrations(), provider.Options{}, log)
	if len(providers) != 1 || providers[0].Type() != provider.Malshare {
		t.Errorf("Select(malshare) = %v", providers)
	}

	hook.Reset()
	providers = Select(env, ScopeOf(provider.VirusTotal), nil, fakeRegistrations(), provider.Options{}, log)
	if len(providers) != 0 {
		t.Errorf("Select(virustotal) without a key returned %d providers", len(providers))
	}
	if e := hook.LastEntry(); e == nil || !strings.Contains(e.Message, "VT_TOKEN") {
		t.Errorf("missing warning for VT_TOKEN")
	}
}

func TestDispatchNoProviders(t *testing.T) {
	log, _ := nullLog()
	report := New(nil, Options{Logger: log}).Dispatch(context.Background(), ActionInfo, "")
	if !report.NoProviders || len(report.Results) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	log, hook := nullLog()
	fakes := []*fakeProvider{
		{kind: provider.Malshare, status: provider.StatusOK},
		{kind: provider.HybridAnalysis, panics: true},
		{kind: provider.VirusTotal, status: provider.StatusRateLimited},
		{kind: provider.AVCaesar, status: provider.StatusOK},
	}
	var providers []provider.Provider
	for _, f := range fakes {
		providers = append(providers, f)
	}

	for _, action := range []Action{ActionInfo, ActionList, ActionSearch} {
		report := New(providers, Options{Logger: log}).Dispatch(context.Background(), action, helloSHA256)
		if len(report.Results) != len(fakes) {
			t.Fatalf("%s returned %d results, want %d", action, len(report.Results), len(fakes))
		}
		for i, res := range report.Results {
			if res.Provider != fakes[i].kind {
				t.Errorf("%s result %d is from %s, want %s", action, i, res.Provider, fakes[i].kind)
			}
		}
		if report.Results[1].Status != provider.StatusFailed || report.Results[1].Err == nil {
			t.Errorf("%s panicking provider result = %+v", action, report.Results[1])
		}
		if report.Results[2].Status != provider.StatusRateLimited {
			t.Errorf("%s rate limited result = %+v", action, report.Results[2])
		}
	}
	for _, f := range fakes {
		if f.calls != 3 {
			t.Errorf("%s called %d times, want 3", f.kind, f.calls)
		}
	}
	if len(hook.AllEntries()) == 0 {
		t.Errorf("the recovered panic was not logged")
	}
}

func TestDispatchConcurrencyBound(t *testing.T) {
	var inflight, peak int32
	var providers []provider.Provider
	for _, kind := range provider.Types() {
		providers = append(providers, &fakeProvider{kind: kind, status: provider.StatusOK,
			delay: 20 * time.Millisecond, inflight: &inflight, peak: &peak})
	}

	report := New(providers, Options{Concurrency: 2}).Dispatch(context.Background(), ActionInfo, "")
	if len(report.Results) != len(providers) {
		t.Fatalf("got %d results", len(report.Results))
	}
	if peak > 2 {
		t.Errorf("%d calls ran at once, limit was 2", peak)
	}
}

func TestDownloadStopsAtFirstSuccess(t *testing.T) {
	dir := t.TempDir()
	log, _ := nullLog()
	a := &fakeProvider{kind: provider.Malshare, status: provider.StatusNotFound}
	b := &fakeProvider{kind: provider.HybridAnalysis, status: provider.StatusOK, content: "hello world"}
	c := &fakeProvider{kind: provider.VirusTotal, status: provider.StatusOK, content: "hello world"}

	report := New([]provider.Provider{a, b, c}, Options{Dir: dir, Logger: log}).Dispatch(context.Background(), ActionDownload, helloSHA256)
	if a.calls != 1 || b.calls != 1 || c.calls != 0 {
		t.Errorf("calls = %d, %d, %d; want 1, 1, 0", a.calls, b.calls, c.calls)
	}
	if report.Found == nil || report.Found.Provider != provider.HybridAnalysis {
		t.Fatalf("Found = %+v", report.Found)
	}
	if len(report.Results) != 2 {
		t.Errorf("got %d results, want 2", len(report.Results))
	}

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name() != helloSHA256 {
		t.Errorf("download dir holds %v", files)
	}
}

func TestDownloadNotFoundAnywhere(t *testing.T) {
	dir := t.TempDir()
	log, hook := nullLog()
	fakes := []*fakeProvider{
		{kind: provider.Malshare, status: provider.StatusNotFound},
		{kind: provider.VirusTotal, status: provider.StatusRateLimited},
		{kind: provider.AVCaesar, status: provider.StatusFailed},
	}
	var providers []provider.Provider
	for _, f := range fakes {
		providers = append(providers, f)
	}

	report := New(providers, Options{Dir: dir, Logger: log}).Dispatch(context.Background(), ActionDownload, helloSHA256)
	for _, f := range fakes {
		if f.calls != 1 {
			t.Errorf("%s called %d times, want 1", f.kind, f.calls)
		}
	}
	if report.Found != nil {
		t.Errorf("Found = %+v", report.Found)
	}
	if len(report.Results) != len(fakes) {
		t.Errorf("got %d results, want %d", len(report.Results), len(fakes))
	}
	files, _ := ioutil.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("download dir holds %d files", len(files))
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Errorf("expected a final not found warning")
	}
}

func TestDownloadValidate(t *testing.T) {
	dir := t.TempDir()
	log, _ := nullLog()
	wrong := &fakeProvider{kind: provider.Malshare, status: provider.StatusOK, content: "not the sample"}
	right := &fakeProvider{kind: provider.VirusTotal, status: provider.StatusOK, content: "hello world"}

	report := New([]provider.Provider{wrong, right}, Options{Dir: dir, Validate: true, Logger: log}).
		Dispatch(context.Background(), ActionDownload, helloSHA256)
	if report.Found == nil || report.Found.Provider != provider.VirusTotal {
		t.Fatalf("Found = %+v", report.Found)
	}
	if report.Results[0].Status != provider.StatusFailed || !strings.Contains(report.Results[0].Text, "does not match") {
		t.Errorf("mismatch result = %+v", report.Results[0])
	}
	data, err := ioutil.ReadFile(filepath.Join(dir, helloSHA256))
	if err != nil || string(data) != "hello world" {
		t.Errorf("validated sample = %q, %v", data, err)
	}
}

func TestDownloadArchive(t *testing.T) {
	dir := t.TempDir()
	log, _ := nullLog()
	p := &fakeProvider{kind: provider.Malshare, status: provider.StatusOK, content: "hello world"}

	report := New([]provider.Provider{p}, Options{Dir: dir, Archive: true, Logger: log}).
		Dispatch(context.Background(), ActionDownload, helloSHA256)
	if report.Found == nil {
		t.Fatal("sample not found")
	}
	want := filepath.Join(dir, helloSHA256+".zip")
	if report.Found.Path != want {
		t.Errorf("Path = %s, want %s", report.Found.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, helloSHA256)); !os.IsNotExist(err) {
		t.Errorf("plain sample left behind: %v", err)
	}
}

func TestDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{kind: provider.Malshare, status: provider.StatusOK}

	report := New([]provider.Provider{p}, Options{Dir: t.TempDir()}).Dispatch(ctx, ActionDownload, helloSHA256)
	if p.calls != 0 || report.Found != nil {
		t.Errorf("cancelled download still called the provider %d times", p.calls)
	}
}

func TestDaily(t *testing.T) {
	feed := &feedProvider{fakeProvider: fakeProvider{kind: provider.HybridAnalysis}}
	plain := &fakeProvider{kind: provider.Malshare}

	report := New([]provider.Provider{plain, feed}, Options{Dir: t.TempDir()}).Dispatch(context.Background(), ActionDaily, "")
	if len(report.Results) != 2 {
		t.Fatalf("got %d results", len(report.Results))
	}
	if report.Results[0].Status != provider.StatusUnsupported || plain.calls != 0 {
		t.Errorf("provider without a feed = %+v", report.Results[0])
	}
	if !report.Results[1].OK() || feed.feeds != 1 {
		t.Errorf("feed provider = %+v", report.Results[1])
	}
}
