// Package envelope builds the structured analytics records sent to the
// ingestion backend from both the browser and the server.
package envelope

import (
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved event names understood by the ingestion backend.
const (
	EventPageView  = "$pageview"
	EventIdentify  = "$identify"
	EventException = "$exception"
)

// Origin records which execution context produced an envelope.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// ErrMissingDistinctID is returned when an envelope would carry no identity.
var ErrMissingDistinctID = errors.New("envelope: distinct id is required")

// ErrMissingEvent is returned for an empty event name.
var ErrMissingEvent = errors.New("envelope: event name is required")

// Metadata is the fixed block merged into every envelope.
type Metadata struct {
	AppVersion  string `json:"app_version,omitempty"`
	BuildSHA    string `json:"build_sha,omitempty"`
	Environment string `json:"environment"`
}

// ClientContext is read from the tab at capture time.
type ClientContext struct {
	SessionID string
	PagePath  string
	UserAgent string
}

// Envelope is an immutable, metadata-enriched analytics event.
type Envelope struct {
	UUID        string         `json:"uuid"`
	Event       string         `json:"event"`
	DistinctID  string         `json:"distinct_id"`
	Properties  map[string]any `json:"properties,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id,omitempty"`
	Environment string         `json:"environment"`
	AppVersion  string         `json:"app_version,omitempty"`
	BuildSHA    string         `json:"build_sha,omitempty"`
	Origin      Origin         `json:"origin"`
}

// WireProperties returns the properties with the metadata block flattened in,
// which is the shape the ingestion backend stores. The envelope is not modified.
func (e Envelope) WireProperties() map[string]any {
	out := make(map[string]any, len(e.Properties)+6)
	maps.Copy(out, e.Properties)
	out["env"] = e.Environment
	if e.AppVersion != "" {
		out["app_version"] = e.AppVersion
	}
	if e.BuildSHA != "" {
		out["build_sha"] = e.BuildSHA
	}
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
		out["$session_id"] = e.SessionID
	}
	out["origin"] = string(e.Origin)
	return out
}

// Property returns a single property value.
func (e Envelope) Property(key string) (any, bool) {
	v, ok := e.Properties[key]
	return v, ok
}

// Builder produces envelopes sharing one metadata block.
type Builder struct {
	meta Metadata
	now  func() time.Time
}

// NewBuilder creates a builder. A nil now uses time.Now.
func NewBuilder(meta Metadata, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{meta: meta, now: now}
}

// Metadata returns the builder's metadata block.
func (b *Builder) Metadata() Metadata {
	return b.meta
}

// Build creates a server-originated envelope.
func (b *Builder) Build(event, distinctID string, props map[string]any) (Envelope, error) {
	env, err := b.base(event, distinctID, props, OriginServer)
	if err != nil {
		return Envelope{}, err
	}
	env.Properties["server_ts"] = env.Timestamp.Format(time.RFC3339Nano)
	return env, nil
}

// BuildClient creates a browser-originated envelope linked to cc's session.
func (b *Builder) BuildClient(event, distinctID string, props map[string]any, cc ClientContext) (Envelope, error) {
	env, err := b.base(event, distinctID, props, OriginClient)
	if err != nil {
		return Envelope{}, err
	}
	env.SessionID = cc.SessionID
	if cc.PagePath != "" {
		if _, set := env.Properties["page_path"]; !set {
			env.Properties["page_path"] = cc.PagePath
		}
	}
	if cc.UserAgent != "" {
		env.Properties["user_agent"] = cc.UserAgent
	}
	env.Properties["timestamp"] = env.Timestamp.Format(time.RFC3339Nano)
	return env, nil
}

// BuildPageView creates a client $pageview envelope for path.
func (b *Builder) BuildPageView(distinctID, origin, path string, props map[string]any, cc ClientContext) (Envelope, error) {
	merged := make(map[string]any, len(props)+2)
	merged["$current_url"] = strings.TrimRight(origin, "/") + path
	merged["$pathname"] = path
	maps.Copy(merged, props)
	cc.PagePath = path
	return b.BuildClient(EventPageView, distinctID, merged, cc)
}

func (b *Builder) base(event, distinctID string, props map[string]any, origin Origin) (Envelope, error) {
	if event == "" {
		return Envelope{}, ErrMissingEvent
	}
	distinctID = strings.TrimSpace(distinctID)
	if distinctID == "" || distinctID == "undefined" || distinctID == "null" {
		return Envelope{}, ErrMissingDistinctID
	}

	properties := make(map[string]any, len(props)+4)
	for k, v := range props {
		properties[k] = cloneValue(v)
	}

	return Envelope{
		UUID:        uuid.NewString(),
		Event:       event,
		DistinctID:  distinctID,
		Properties:  properties,
		Timestamp:   b.now().UTC(),
		Environment: b.meta.Environment,
		AppVersion:  b.meta.AppVersion,
		BuildSHA:    b.meta.BuildSHA,
		Origin:      origin,
	}, nil
}

// cloneValue copies nested maps and slices so an envelope never aliases the
// caller's property values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, nested := range t {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, nested := range t {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}
