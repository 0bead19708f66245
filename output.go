package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"mquery/internal/config"
	"mquery/internal/provider"
	"mquery/internal/query"
)

// printer renders dispatch reports for the console.
type printer struct {
	out io.Writer
}

func (p printer) banner(action query.Action, scope query.Scope, ioc string, providers []provider.Provider) {
	var names []string
	for _, pr := range providers {
		names = append(names, pr.Type().DisplayName())
	}
	target := ""
	if ioc != "" {
		target = " for " + ioc
	}
	fmt.Fprintln(p.out, color.HiBlueString("[*] %s%s (scope: %s)", action, target, scope))
	if len(names) > 0 {
		fmt.Fprintf(p.out, "[*] Active providers: %s\n", strings.Join(names, ", "))
	}
}

func (p printer) report(r query.Report) {
	if r.NoProviders {
		fmt.Fprintln(p.out, color.RedString("[!] No providers configured. Set MALSHARE_TOKEN, HBA_TOKEN, VT_TOKEN or AVCAESAR_TOKEN, or add an api key to ~/%s", config.FileName))
		return
	}

	for _, res := range r.Results {
		p.result(res)
	}

	if r.Action != query.ActionDownload {
		return
	}
	if r.Found == nil {
		fmt.Fprintln(p.out, color.RedString("\n[!] %s not found anywhere", r.IOC))
		return
	}
	fmt.Fprintln(p.out, color.GreenString("\n[+] %s downloaded via %s to %s", r.IOC, r.Found.Provider.DisplayName(), r.Found.Path))
}

func (p printer) result(res provider.Result) {
	text := res.Text
	if text == "" {
		text = fmt.Sprintf("\t[%s] %s", res.Provider.DisplayName(), res.Status)
	}
	switch res.Status {
	case provider.StatusOK:
		fmt.Fprintln(p.out, text)
	case provider.StatusNoContent, provider.StatusNotFound, provider.StatusUnsupported:
		fmt.Fprintln(p.out, color.YellowString("%s", text))
	default:
		fmt.Fprintln(p.out, color.RedString("%s", text))
	}
}

// printConfig lists the parsed entries in query order. Keys are never shown.
func printConfig(out io.Writer, filename string, entries []config.RepositoryConfigEntry) {
	fmt.Fprintf(out, "[*] %s\n", filename)
	if len(entries) == 0 {
		fmt.Fprintln(out, "    [-] No entries, built-in defaults are used")
		return
	}
	for _, e := range entries {
		api := "from environment"
		if e.Api != "" {
			api = "set"
		}
		fmt.Fprintf(out, "    [+] %s url: %s queryorder: %d ratelimit: %g/min api: %s\n",
			e.ProviderType().DisplayName(), e.Host, e.QueryOrder, e.RateLimit, api)
	}
}
