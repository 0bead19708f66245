// Package query selects the active providers and fans a requested action
// out to them.
package query

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/remeh/sizedwaitgroup"
	"github.com/sirupsen/logrus"

	"mquery/internal/provider"
	"mquery/internal/sample"
)

type Action int

const (
	ActionInfo Action = iota + 1
	ActionSearch
	ActionList
	ActionDownload
	// ActionDaily bulk downloads the latest feed of providers that offer one.
	ActionDaily
)

func ParseAction(name string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return ActionInfo, nil
	case "search":
		return ActionSearch, nil
	case "list":
		return ActionList, nil
	case "download":
		return ActionDownload, nil
	case "daily":
		return ActionDaily, nil
	}
	return 0, errors.Errorf("unknown action %q, must be one of download, search, list, info, daily", name)
}

func (a Action) String() string {
	switch a {
	case ActionInfo:
		return "info"
	case ActionSearch:
		return "search"
	case ActionList:
		return "list"
	case ActionDownload:
		return "download"
	case ActionDaily:
		return "daily"
	}
	return "unknown"
}

// NeedsHash reports whether the action operates on a single IOC.
func (a Action) NeedsHash() bool {
	return a == ActionSearch || a == ActionDownload
}

// Options tune a Dispatcher.
type Options struct {
	// Dir receives downloaded samples and feeds.
	Dir string
	// Concurrency bounds the info, list, search and daily fan-out; zero or
	// less means one worker per provider.
	Concurrency int
	// Validate rejects downloads whose digest does not match the IOC.
	Validate bool
	// Archive moves a downloaded sample into an encrypted zip.
	Archive bool
	Logger  *logrus.Entry
}

type Dispatcher struct {
	providers []provider.Provider
	opts      Options
	log       *logrus.Entry
}

// Report is the outcome of one dispatch. Results follow provider order; for
// downloads they stop at the first success, which is also Found.
type Report struct {
	Action      Action
	IOC         string
	NoProviders bool
	Results     []provider.Result
	Found       *provider.Result
}

func New(providers []provider.Provider, opts Options) *Dispatcher {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Dispatcher{providers: providers, opts: opts, log: log}
}

// Providers returns the active set in dispatch order.
func (d *Dispatcher) Providers() []provider.Provider {
	return d.providers
}

// Dispatch runs action against every active provider. It never fails;
// per-provider problems are carried in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, ioc string) Report {
	report := Report{Action: action, IOC: ioc}
	if len(d.providers) == 0 {
		d.log.Warn("no providers configured")
		report.NoProviders = true
		return report
	}

	switch action {
	case ActionInfo:
		report.Results = d.fanOut(ctx, func(p provider.Provider) provider.Result {
			return p.Info(ctx)
		})
	case ActionList:
		report.Results = d.fanOut(ctx, func(p provider.Provider) provider.Result {
			return p.Latest(ctx, d.opts.Dir)
		})
	case ActionSearch:
		report.Results = d.fanOut(ctx, func(p provider.Provider) provider.Result {
			return p.Search(ctx, ioc)
		})
	case ActionDaily:
		report.Results = d.fanOut(ctx, func(p provider.Provider) provider.Result {
			fd, ok := p.(provider.FeedDownloader)
			if !ok {
				return provider.Result{Provider: p.Type(), Status: provider.StatusUnsupported,
					Text: fmt.Sprintf("\t[*] %s does not support feed downloads.", p.Type().DisplayName())}
			}
			return fd.DownloadFeed(ctx, d.opts.Dir)
		})
	case ActionDownload:
		d.download(ctx, ioc, &report)
	default:
		d.log.Errorf("unknown action %d", action)
	}
	return report
}

// fanOut runs call once per provider, keeping results in provider order.
func (d *Dispatcher) fanOut(ctx context.Context, call func(provider.Provider) provider.Result) []provider.Result {
	results := make([]provider.Result, len(d.providers))
	swg := sizedwaitgroup.New(d.opts.Concurrency)
	for i, p := range d.providers {
		swg.Add()
		go func(i int, p provider.Provider) {
			defer swg.Done()
			results[i] = d.safeCall(p, call)
		}(i, p)
	}
	swg.Wait()
	return results
}

// safeCall turns an adapter panic into a failed result so it cannot take
// the other providers down with it.
func (d *Dispatcher) safeCall(p provider.Provider, call func(provider.Provider) provider.Result) (res provider.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic: %v", r)
			d.log.WithField("provider", p.Type().String()).WithError(err).Error("provider call aborted")
			res = provider.Result{Provider: p.Type(), Status: provider.StatusFailed,
				Text: fmt.Sprintf("\t[!] Error, %s call aborted.\n\t%v", p.Type().DisplayName(), err), Err: err}
		}
	}()
	return call(p)
}

// download tries providers in order and stops at the first one that
// delivers the sample.
func (d *Dispatcher) download(ctx context.Context, ioc string, report *Report) {
	for _, p := range d.providers {
		if ctx.Err() != nil {
			d.log.WithError(ctx.Err()).Warn("download interrupted")
			break
		}
		log := d.log.WithField("provider", p.Type().String()).WithField("ioc", ioc)

		res := d.safeCall(p, func(p provider.Provider) provider.Result {
			return p.Download(ctx, ioc, d.opts.Dir)
		})
		if res.OK() && d.opts.Validate {
			res = d.validate(res, ioc, log)
		}
		if !res.OK() {
			log.Infof("%s not found at %s", ioc, p.Type().DisplayName())
			report.Results = append(report.Results, res)
			continue
		}

		if d.opts.Archive {
			archiveName, err := sample.Archive(res.Path, sample.DefaultPassword)
			if err != nil {
				log.WithError(err).Warn("could not archive sample, keeping it as is")
			} else {
				res.Path = archiveName
				res.Text += fmt.Sprintf("\n\t[+] Archived to %s (password: %s)", archiveName, sample.DefaultPassword)
			}
		}
		log.Infof("%s found and downloaded via %s", ioc, p.Type().DisplayName())
		report.Results = append(report.Results, res)
		found := res
		report.Found = &found
		return
	}
	d.log.WithField("ioc", ioc).Warn("sample not found at any provider")
}

func (d *Dispatcher) validate(res provider.Result, ioc string, log *logrus.Entry) provider.Result {
	valid, calculated, err := sample.ValidateFile(res.Path, ioc)
	if err != nil {
		log.WithError(err).Warn("could not validate downloaded sample")
		return res
	}
	if valid {
		log.Info("downloaded file validated as the requested hash")
		return res
	}
	os.Remove(res.Path)
	err = errors.Errorf("downloaded file hash %s does not match %s", calculated, ioc)
	log.WithError(err).Warn("deleted invalid file")
	return provider.Result{Provider: res.Provider, Status: provider.StatusFailed,
		Text: fmt.Sprintf("\t[!] Downloaded file hash %s does not match searched for hash %s", calculated, ioc), Err: err}
}
