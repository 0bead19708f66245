package query

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mquery/internal/config"
	"mquery/internal/provider"
)

// Registration ties a provider to the environment variable holding its key.
type Registration struct {
	Type   provider.Type
	EnvVar string
	New    func(provider.Options) provider.Provider
}

// DefaultRegistrations lists every known provider in the order "all"
// queries them when no queryorder is configured.
func DefaultRegistrations() []Registration {
	return []Registration{
		{Type: provider.Malshare, EnvVar: "MALSHARE_TOKEN", New: func(o provider.Options) provider.Provider { return provider.NewMalshare(o) }},
		{Type: provider.HybridAnalysis, EnvVar: "HBA_TOKEN", New: func(o provider.Options) provider.Provider { return provider.NewHybridAnalysis(o) }},
		{Type: provider.VirusTotal, EnvVar: "VT_TOKEN", New: func(o provider.Options) provider.Provider { return provider.NewVirusTotal(o) }},
		{Type: provider.AVCaesar, EnvVar: "AVCAESAR_TOKEN", New: func(o provider.Options) provider.Provider { return provider.NewAVCaesar(o) }},
	}
}

// Scope is either every provider or exactly one.
type Scope struct {
	all  bool
	kind provider.Type
}

var ScopeAll = Scope{all: true}

func ScopeOf(t provider.Type) Scope {
	return Scope{kind: t}
}

// ParseScope accepts "all" or any name provider.ByName understands.
func ParseScope(name string) (Scope, error) {
	if strings.EqualFold(strings.TrimSpace(name), "all") || strings.TrimSpace(name) == "" {
		return ScopeAll, nil
	}
	t := provider.ByName(name)
	if t == provider.NotSupported {
		return Scope{}, errors.Errorf("invalid or unsupported provider: %s", name)
	}
	return ScopeOf(t), nil
}

func (s Scope) Includes(t provider.Type) bool {
	return s.all || s.kind == t
}

func (s Scope) String() string {
	if s.all {
		return "all"
	}
	return s.kind.String()
}

// EnvMap turns os.Environ() style pairs into a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// Select builds the active provider set. A provider is active when it is in
// scope and has a key, from env first and the config entry second. Missing
// keys are logged and skipped. Providers with a configured queryorder come
// first in that order; the rest follow in registration order.
func Select(env map[string]string, scope Scope, entries []config.RepositoryConfigEntry, regs []Registration, opts provider.Options, log *logrus.Entry) []provider.Provider {
	type candidate struct {
		order int
		p     provider.Provider
	}
	var candidates []candidate

	for i, reg := range regs {
		if !scope.Includes(reg.Type) {
			continue
		}
		entry, configured := config.ByType(reg.Type, entries)

		key := env[reg.EnvVar]
		if key == "" {
			key = entry.Api
		}
		if key == "" {
			log.WithField("provider", reg.Type.String()).Warnf("%s environment variable was not specified, skipping %s", reg.EnvVar, reg.Type.DisplayName())
			continue
		}
		log.WithField("provider", reg.Type.String()).Infof("%s API token identified", reg.Type.DisplayName())

		o := opts
		o.APIKey = key
		order := 1<<20 + i
		if configured {
			o.BaseURL = entry.Host
			o.RateLimit = entry.RateLimit
			if entry.QueryOrder > 0 {
				order = entry.QueryOrder
			}
		}
		candidates = append(candidates, candidate{order: order, p: reg.New(o)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].order < candidates[j].order
	})
	providers := make([]provider.Provider, 0, len(candidates))
	for _, c := range candidates {
		providers = append(providers, c.p)
	}
	return providers
}
