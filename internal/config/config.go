// Package config reads and writes ~/.mquery.yml, the optional list of
// repository entries overriding provider endpoints, keys, query order and
// rate limits.
package config

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"

	"mquery/internal/provider"
)

const FileName = ".mquery.yml"

type RepositoryConfigEntry struct {
	Type       string `yaml:"type"`
	Host       string `yaml:"url"`
	Api        string `yaml:"api,omitempty"`
	QueryOrder int    `yaml:"queryorder,omitempty"`
	// RateLimit is requests per minute, zero means unlimited.
	RateLimit float64 `yaml:"ratelimit,omitempty"`
}

// ProviderType resolves the entry's type name.
func (e RepositoryConfigEntry) ProviderType() provider.Type {
	return provider.ByName(e.Type)
}

// Load parses filename and returns the valid entries sorted by query order.
// A missing file is an empty configuration.
func Load(filename string, log *logrus.Entry) ([]RepositoryConfigEntry, error) {
	data, err := parseFile(filename)
	if os.IsNotExist(errors.Cause(err)) {
		log.WithField("file", filename).Debug("no config file, using defaults")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return verify(data, log), nil
}

func parseFile(filename string) (map[string]RepositoryConfigEntry, error) {
	f, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}

	data := make(map[string]RepositoryConfigEntry)
	if err := yaml.Unmarshal(f, &data); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filename)
	}
	return data, nil
}

func verify(repos map[string]RepositoryConfigEntry, log *logrus.Entry) []RepositoryConfigEntry {
	// map iteration is random; sort the keys so duplicates resolve the same way every run
	keys := make([]string, 0, len(repos))
	for k := range repos {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var verified []RepositoryConfigEntry
	var seen []provider.Type
	for _, k := range keys {
		v := repos[k]
		t := v.ProviderType()
		switch {
		case t == provider.NotSupported:
			log.WithField("entry", k).Warnf("%s is not a supported type, skipping. Supported types: %s", v.Type, supportedTypes())
		case slices.Contains(seen, t):
			log.WithField("entry", k).Warnf("duplicate %s entry, skipping", t)
		default:
			v.Type = t.String()
			seen = append(seen, t)
			verified = append(verified, v)
		}
	}
	sort.SliceStable(verified, func(i, j int) bool {
		return verified[i].QueryOrder < verified[j].QueryOrder
	})
	return verified
}

func supportedTypes() string {
	var names []string
	for _, t := range provider.Types() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}

// ByType returns the entry configured for t.
func ByType(t provider.Type, entries []RepositoryConfigEntry) (RepositoryConfigEntry, bool) {
	for _, e := range entries {
		if e.ProviderType() == t {
			return e, true
		}
	}
	return RepositoryConfigEntry{}, false
}

// Write replaces filename with entries, keyed "repository N".
func Write(filename string, entries []RepositoryConfigEntry) error {
	data := make(map[string]RepositoryConfigEntry, len(entries))
	for i, e := range entries {
		data["repository "+strconv.Itoa(i)] = e
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := ioutil.WriteFile(filename, out, 0600); err != nil {
		return errors.Wrapf(err, "writing %s", filename)
	}
	return os.Chmod(filename, 0600)
}

// AddEntries interactively prompts for new entries on in, appends them to
// the entries already in filename and rewrites the file.
func AddEntries(filename string, in io.Reader, out io.Writer, log *logrus.Entry) ([]RepositoryConfigEntry, error) {
	existing, err := Load(filename, log)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "\nEnter the corresponding Repository Config Entry number you want to add to %s.\n", FileName)
		fmt.Fprintf(out, "Enter 0 to exit.\n\n")
		for _, t := range provider.Types() {
			fmt.Fprintf(out, "  [%d]    %s\n", t, t)
		}
		fmt.Fprint(out, ">> ")

		line, readErr := reader.ReadString('\n')
		text := strings.TrimSpace(line)
		if text == "" && readErr != nil {
			break
		}
		option, err := strconv.Atoi(text)
		if err == nil && option == 0 {
			break
		}
		t := provider.Type(option)
		if err != nil || t.String() == provider.NotSupported.String() {
			fmt.Fprintf(out, "Invalid option %q\n", text)
			if readErr != nil {
				break
			}
			continue
		}

		entry := createEntry(t, reader, out)
		entry.QueryOrder = len(existing) + 1
		replaced := false
		for i := range existing {
			if existing[i].ProviderType() == t {
				entry.QueryOrder = existing[i].QueryOrder
				existing[i] = entry
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, entry)
		}
		if readErr != nil {
			break
		}
	}

	if err := Write(filename, existing); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Config written to %s\n\n", filename)
	return existing, nil
}

func createEntry(t provider.Type, reader *bufio.Reader, out io.Writer) RepositoryConfigEntry {
	fmt.Fprintf(out, "Enter Host [ Press enter for default - %s ]:\n", t.DefaultURL())
	fmt.Fprint(out, ">> ")
	host, _ := reader.ReadString('\n')
	host = strings.TrimSpace(host)
	if host == "" {
		fmt.Fprintln(out, "Using the default url")
		host = t.DefaultURL()
	}

	fmt.Fprintln(out, "Enter API Key [ Press enter to read it from the environment ]:")
	fmt.Fprint(out, ">> ")
	api, _ := reader.ReadString('\n')

	return RepositoryConfigEntry{Type: t.String(), Host: host, Api: strings.TrimSpace(api)}
}
