// Package props fetches a collector's cached device properties so script
// tokens can be substituted before submission.
package props

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
)

// dumpScript prints the host's property map as a single JSON object. The
// hostname travels base64-encoded inside a Groovy string literal.
const dumpScript = `!groovy
def __host = com.santaba.agent.collector3.CollectorDb.getInstance().getHost(new String("%s".decodeBase64(), "UTF-8"))
println groovy.json.JsonOutput.toJson(__host != null ? __host.getProperties() : [:])`

type Prefetcher struct {
	jobs *jobclient.Client
}

func New(jobs *jobclient.Client) *Prefetcher {
	return &Prefetcher{jobs: jobs}
}

// Fetch runs the property dump on the target collector and parses its output.
// A transport or auth failure is returned so the caller can warn; anything
// wrong with the output itself yields an empty map and no error, because a
// missing property cache must never abort an execution.
func (p *Prefetcher) Fetch(ctx context.Context, t jobclient.Target, hostname string, cred creds.Credential) (map[string]string, error) {
	script := fmt.Sprintf(dumpScript, base64.StdEncoding.EncodeToString([]byte(hostname)))
	out, err := p.jobs.ExecuteAndPoll(ctx, t, script, cred, nil)
	if err != nil {
		return map[string]string{}, fmt.Errorf("property prefetch for %s: %w", hostname, err)
	}

	parsed := ParseProperties(out)
	if len(parsed) == 0 {
		lg.FromContext(ctx).Debug("property dump yielded nothing usable",
			lg.String("hostname", hostname), lg.Int("bytes", len(out)))
	}
	return parsed, nil
}

// ParseProperties extracts the first balanced {...} span from raw collector
// output and flattens it into string properties. Collector consoles wrap the
// JSON in banners and prompts, so anything before or after the object is
// ignored. Any parse trouble yields an empty map.
func ParseProperties(output string) map[string]string {
	span, ok := firstJSONObject(output)
	if !ok {
		return map[string]string{}
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return map[string]string{}
	}
	props := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			props[k] = val
		case nil:
			props[k] = ""
		default:
			props[k] = fmt.Sprintf("%v", val)
		}
	}
	return props
}

// firstJSONObject scans for the first balanced top-level {...}, honoring
// string literals and escapes.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
