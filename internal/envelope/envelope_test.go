package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var processStart = time.Now()

func testBuilder() *Builder {
	return NewBuilder(Metadata{AppVersion: "1.2.0", BuildSHA: "abc123", Environment: "test"}, nil)
}

func TestBuildAddsMetadata(t *testing.T) {
	env, err := testBuilder().Build("step_next_server_ack", "user_1", map[string]any{"step_index": 3})
	require.NoError(t, err)

	assert.Equal(t, "step_next_server_ack", env.Event)
	assert.Equal(t, "user_1", env.DistinctID)
	assert.Equal(t, "1.2.0", env.AppVersion)
	assert.Equal(t, "abc123", env.BuildSHA)
	assert.Equal(t, "test", env.Environment)
	assert.Equal(t, OriginServer, env.Origin)
	assert.Empty(t, env.SessionID, "server envelopes have no session")
	assert.NotEmpty(t, env.UUID)
	assert.Equal(t, 3, env.Properties["step_index"])
	assert.Contains(t, env.Properties, "server_ts")
}

func TestBuildRejectsMissingIdentity(t *testing.T) {
	b := testBuilder()
	for _, id := range []string{"", "   ", "\t", "undefined", " null "} {
		_, err := b.Build("evt", id, nil)
		assert.ErrorIs(t, err, ErrMissingDistinctID, "distinct id %q", id)
	}
	_, err := b.Build("", "user_1", nil)
	assert.ErrorIs(t, err, ErrMissingEvent)
}

func TestBuildDoesNotMutateCallerProperties(t *testing.T) {
	props := map[string]any{"a": 1}
	env, err := testBuilder().BuildClient("evt", "user_1", props, ClientContext{SessionID: "s1", PagePath: "/steps/1"})
	require.NoError(t, err)

	env.Properties["b"] = 2
	assert.Equal(t, map[string]any{"a": 1}, props)
	assert.Len(t, props, 1)
}

func TestBuildTrimsDistinctID(t *testing.T) {
	env, err := testBuilder().Build("evt", "  user_1\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "user_1", env.DistinctID)
}

func TestBuildCopiesNestedProperties(t *testing.T) {
	set := map[string]any{"plan": "pro"}
	tags := []any{"a", map[string]any{"k": "v"}}
	props := map[string]any{"$set": set, "tags": tags}

	env, err := testBuilder().Build("$identify", "user_1", props)
	require.NoError(t, err)

	set["plan"] = "free"
	tags[1].(map[string]any)["k"] = "changed"

	assert.Equal(t, map[string]any{"plan": "pro"}, env.Properties["$set"])
	assert.Equal(t, []any{"a", map[string]any{"k": "v"}}, env.Properties["tags"])
}

func TestTimestampIsISO8601AfterProcessStart(t *testing.T) {
	env, err := testBuilder().Build("evt", "user_1", nil)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var wire struct {
		Timestamp  string `json:"timestamp"`
		DistinctID string `json:"distinct_id"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))

	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	require.NoError(t, err)
	assert.False(t, ts.Before(processStart.Truncate(time.Second)))
	assert.NotEmpty(t, wire.DistinctID)
}

func TestBuildClientLinksSession(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBuilder(Metadata{Environment: "local"}, func() time.Time { return fixed })

	env, err := b.BuildClient("step_viewed", "user_1", nil, ClientContext{
		SessionID: "sess_1",
		PagePath:  "/steps/2",
		UserAgent: "kitchensink-tab/1",
	})
	require.NoError(t, err)

	assert.Equal(t, OriginClient, env.Origin)
	assert.Equal(t, "sess_1", env.SessionID)
	assert.Equal(t, "/steps/2", env.Properties["page_path"])
	assert.Equal(t, "kitchensink-tab/1", env.Properties["user_agent"])
	assert.Equal(t, fixed, env.Timestamp)
}

func TestBuildPageView(t *testing.T) {
	env, err := testBuilder().BuildPageView("user_1", "http://localhost:3000/", "/steps/4", map[string]any{"step_index": 4}, ClientContext{})
	require.NoError(t, err)

	assert.Equal(t, EventPageView, env.Event)
	assert.Equal(t, "http://localhost:3000/steps/4", env.Properties["$current_url"])
	assert.Equal(t, "/steps/4", env.Properties["$pathname"])
	assert.Equal(t, "/steps/4", env.Properties["page_path"])
	assert.Equal(t, 4, env.Properties["step_index"])
}

func TestWireProperties(t *testing.T) {
	env, err := testBuilder().BuildClient("evt", "user_1", map[string]any{"x": "y"}, ClientContext{SessionID: "s1"})
	require.NoError(t, err)

	wire := env.WireProperties()
	assert.Equal(t, "y", wire["x"])
	assert.Equal(t, "test", wire["env"])
	assert.Equal(t, "1.2.0", wire["app_version"])
	assert.Equal(t, "abc123", wire["build_sha"])
	assert.Equal(t, "s1", wire["session_id"])
	assert.Equal(t, "client", wire["origin"])
	assert.NotContains(t, env.Properties, "env", "flattening must not touch the envelope")
}

func TestWirePropertiesOmitsEmptyBuildInfo(t *testing.T) {
	b := NewBuilder(Metadata{Environment: "local"}, nil)
	env, err := b.Build("evt", "user_1", nil)
	require.NoError(t, err)

	wire := env.WireProperties()
	assert.NotContains(t, wire, "app_version")
	assert.NotContains(t, wire, "build_sha")
	assert.NotContains(t, wire, "session_id")
}
