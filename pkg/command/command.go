// Package command renders debug-console command lines for collector agents:
// dialect-marked script commands with an optional Groovy context preamble,
// and raw debug commands such as "!tlist c=snmp".
package command

import (
	"encoding/base64"
	"sort"
	"strings"
)

// Dialect selects the script interpreter on the collector side.
type Dialect string

const (
	DialectGroovy     Dialect = "groovy"
	DialectPowerShell Dialect = "posh"
)

// Marker is the literal prefix the collector debug console uses to route the
// body to the right interpreter.
func (d Dialect) Marker() string {
	switch d {
	case DialectPowerShell:
		return "!posh"
	default:
		return "!groovy"
	}
}

// SupportsPreamble reports whether the dialect can carry the host-context
// preamble. Only Groovy runs inside the collector JVM where the property
// cache is reachable.
func (d Dialect) SupportsPreamble() bool { return d == DialectGroovy }

// ScriptContext carries the device context a module script expects at
// collection time.
type ScriptContext struct {
	Hostname  string
	WildValue string
	ModuleID  string
}

// groovyPreamble exposes hostProps/instanceProps to the user script the way
// the collection engine does. Placeholders are filled with base64 so
// arbitrary hostnames cannot break out of the Groovy string literal.
const groovyPreamble = `def __dec = { s -> s ? new String(s.decodeBase64(), "UTF-8") : "" }
def __host = com.santaba.agent.collector3.CollectorDb.getInstance().getHost(__dec("%%HOSTNAME%%"))
def hostProps = __host != null ? __host.getProperties() : [:]
def instanceProps = ["wildvalue": __dec("%%WILDVALUE%%"), "moduleid": __dec("%%MODULEID%%")]`

// BuildScriptCommand renders a full debug-console command for the given
// dialect. For a preamble-capable dialect with a hostname in sctx, the
// context preamble precedes the body. The dialect marker is always emitted.
func BuildScriptCommand(d Dialect, body string, sctx *ScriptContext) string {
	var b strings.Builder
	b.WriteString(d.Marker())
	b.WriteString("\n")
	if d.SupportsPreamble() && sctx != nil && sctx.Hostname != "" {
		pre := groovyPreamble
		pre = strings.ReplaceAll(pre, "%%HOSTNAME%%", b64(sctx.Hostname))
		pre = strings.ReplaceAll(pre, "%%WILDVALUE%%", b64(sctx.WildValue))
		pre = strings.ReplaceAll(pre, "%%MODULEID%%", b64(sctx.ModuleID))
		b.WriteString(pre)
		b.WriteString("\n")
	}
	b.WriteString(body)
	return b.String()
}

// BuildDebugCommand renders a raw debug command: positional arguments first,
// then key=value pairs in key order, space-joined.
func BuildDebugCommand(cmd string, named map[string]string, positional []string) string {
	parts := []string{cmd}
	for _, arg := range positional {
		parts = append(parts, quoteArg(arg))
	}
	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, quoteArg(k+"="+named[k]))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if !strings.ContainsAny(s, " \t\"'") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
