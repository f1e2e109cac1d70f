// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building metric names that carry Prometheus-style labels.
package metricsx

import "strings"

// MetricName builds a metrics.Set-compatible name for base with the given
// label key/value pairs appended, e.g. MetricName("relay_frames_dropped_total",
// "reason", "malformed") returns `relay_frames_dropped_total{reason="malformed"}`.
//
// base may itself already carry a `name{labels}` suffix (as happens when a
// caller composes one MetricName result into another); splitName pulls any
// such existing labels back out so formatName can merge them with kv
// instead of nesting a second brace group inside the first.
func MetricName(base string, kv ...string) string {
	b, arg := splitName(base)
	return formatName(b, arg, kv...)
}

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
