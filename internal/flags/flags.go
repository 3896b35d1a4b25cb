// Package flags maps logical feature-flag names onto environment-qualified
// keys and reads their values from either execution context.
//
// A flag value is one of bool, string, or nil. nil means "not known yet" and
// callers must treat it as "use the default behavior", never as false.
package flags

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Environment is the deployment tag that selects the key prefix.
type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
	Test        Environment = "test"
	Local       Environment = "local"
)

var prefixes = map[Environment]string{
	Production:  "PRODUCTION",
	Development: "DEV",
	Test:        "TEST",
	Local:       "LOCAL",
}

// Environments returns every supported environment.
func Environments() []Environment {
	return []Environment{Production, Development, Test, Local}
}

// ParseEnvironment maps a raw tag onto an Environment. Unknown or empty tags
// resolve to Local.
func ParseEnvironment(s string) Environment {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := prefixes[env]; ok {
		return env
	}
	return Local
}

// Valid reports whether e is one of the supported environments.
func (e Environment) Valid() bool {
	_, ok := prefixes[e]
	return ok
}

// Prefix returns the key prefix for e. Invalid environments use the Local prefix.
func (e Environment) Prefix() string {
	if p, ok := prefixes[e]; ok {
		return p
	}
	return prefixes[Local]
}

// Name is a logical feature flag name.
type Name string

const (
	BrighterRedStep2 Name = "EXP_BRIGHTER_RED_STEP2"
	ConfettiFinish   Name = "FX_CONFETTI_FINISH"
	StartAltPage     Name = "START_ALT_PAGE"
)

// Names returns the fixed set of logical flags.
func Names() []Name {
	return []Name{BrighterRedStep2, ConfettiFinish, StartAltPage}
}

// Key resolves a logical name to its lookup key in env: {PREFIX}_{NAME}.
func Key(name Name, env Environment) string {
	return env.Prefix() + "_" + string(name)
}

// Enabled reports whether v is exactly true. A nil or string value is not
// enabled; callers that need "unknown" semantics should check for nil first.
func Enabled(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// Bool returns the boolean value of v, or def when v is unknown.
func Bool(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		// A multivariate flag that returned a variant is on.
		return x != ""
	default:
		return def
	}
}

// Variant returns the string variant of v, or def when v is unknown or boolean.
func Variant(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// PayloadSource exposes the last flag payload delivered to a client channel.
// ok is false before any payload has arrived.
type PayloadSource interface {
	FlagPayload() (payload map[string]any, ok bool)
}

// Evaluator evaluates a single flag key for an identity over the network.
type Evaluator interface {
	GetFeatureFlag(ctx context.Context, distinctID, key string) (any, error)
}

// Gate reads flags for a fixed environment.
type Gate struct {
	env Environment
}

// NewGate creates a gate bound to env.
func NewGate(env Environment) *Gate {
	return &Gate{env: env}
}

// Environment returns the gate's environment.
func (g *Gate) Environment() Environment {
	return g.env
}

// Key resolves name in the gate's environment.
func (g *Gate) Key(name Name) string {
	return Key(name, g.env)
}

// ReadClient looks name up in the last payload src received. It returns nil
// on cold start or when the payload does not mention the key.
func (g *Gate) ReadClient(src PayloadSource, name Name) any {
	if src == nil {
		return nil
	}
	payload, ok := src.FlagPayload()
	if !ok {
		return nil
	}
	return normalize(payload[g.Key(name)])
}

// ReadServer evaluates name for distinctID. Evaluation failures resolve to
// nil rather than an error.
func (g *Gate) ReadServer(ctx context.Context, ev Evaluator, distinctID string, name Name) any {
	if ev == nil || distinctID == "" {
		return nil
	}
	v, err := ev.GetFeatureFlag(ctx, distinctID, g.Key(name))
	if err != nil {
		return nil
	}
	return normalize(v)
}

// ReadAllServer evaluates every logical flag concurrently. Names whose
// evaluation failed map to nil.
func (g *Gate) ReadAllServer(ctx context.Context, ev Evaluator, distinctID string) map[Name]any {
	names := Names()
	out := make(map[Name]any, len(names))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			v := g.ReadServer(egCtx, ev, distinctID, name)
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// normalize drops values that are neither bool nor string.
func normalize(v any) any {
	switch v.(type) {
	case bool, string:
		return v
	default:
		return nil
	}
}

// Describe renders every logical name with its resolved key for env.
func Describe(env Environment) []string {
	out := make([]string, 0, len(Names()))
	for _, n := range Names() {
		out = append(out, fmt.Sprintf("%s -> %s", n, Key(n, env)))
	}
	return out
}
