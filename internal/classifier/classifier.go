// Package classifier decides which lines of a child process's output are
// worth forwarding and which line signals that the process is ready.
//
// Forwarding is a human-facing filter and readiness is a dependency gate.
// The two are configured separately so a noisy build log can be trimmed
// without weakening readiness detection.
package classifier

import "strings"

// Rules configures a classifier. All matching is case-sensitive.
// An empty marker never matches.
type Rules struct {
	// PrefixMarker forwards lines that start with it.
	PrefixMarker string `mapstructure:"prefix_marker" yaml:"prefix_marker" json:"prefix_marker"`

	// ReadyMarker forwards lines that contain it and marks them as the
	// readiness transition.
	ReadyMarker string `mapstructure:"ready_marker" yaml:"ready_marker" json:"ready_marker"`

	// ContainsAny forwards lines that contain any of these substrings.
	ContainsAny []string `mapstructure:"contains_any" yaml:"contains_any" json:"contains_any"`
}

// Decision is the result of classifying a single line.
type Decision struct {
	Forward       bool
	TriggersReady bool
}

// Classify applies rules to line. It has no side effects.
func Classify(line string, r Rules) Decision {
	var d Decision

	if r.ReadyMarker != "" && strings.Contains(line, r.ReadyMarker) {
		d.TriggersReady = true
		d.Forward = true
		return d
	}

	if r.PrefixMarker != "" && strings.HasPrefix(line, r.PrefixMarker) {
		d.Forward = true
		return d
	}

	for _, s := range r.ContainsAny {
		if s != "" && strings.Contains(line, s) {
			d.Forward = true
			break
		}
	}

	return d
}

// IsZero reports whether no marker is configured, i.e. nothing will ever
// be forwarded or trigger readiness.
func (r Rules) IsZero() bool {
	if r.PrefixMarker != "" || r.ReadyMarker != "" {
		return false
	}
	for _, s := range r.ContainsAny {
		if s != "" {
			return false
		}
	}
	return true
}

// HasReadyMarker reports whether the rules can ever trigger readiness.
func (r Rules) HasReadyMarker() bool {
	return r.ReadyMarker != ""
}

// Normalize returns a copy of r with empty ContainsAny entries removed.
func (r Rules) Normalize() Rules {
	out := Rules{PrefixMarker: r.PrefixMarker, ReadyMarker: r.ReadyMarker}
	for _, s := range r.ContainsAny {
		if s != "" {
			out.ContainsAny = append(out.ContainsAny, s)
		}
	}
	return out
}
