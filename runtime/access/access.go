// Package access enforces the demo query quota and manages per-session
// runtime provider keys. Demo sessions are identified by an opaque session
// ID supplied by the transport; authenticated traffic bypasses the quota
// entirely. Runtime keys let a session supply its own Gemini API key without
// the operator configuring one, and are held in process memory only.
package access

import (
	"os"

	"github.com/trellishq/trellis/runtime/store"
)

// DefaultDemoQuota is the number of demo queries a session may run before
// being asked to authenticate or supply a key.
const DefaultDemoQuota = 3

// KeySource names where the provider key serving a session comes from.
type KeySource string

const (
	// SourceRuntime means the session stored its own key.
	SourceRuntime KeySource = "runtime"
	// SourceEnvironment means the process environment supplies the key.
	SourceEnvironment KeySource = "environment"
	// SourceNone means no key is available from any source.
	SourceNone KeySource = "none"
)

// environment variables consulted for the provider key fallback, in order.
var keyEnvVars = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// KeyStatus reports whether a session has a usable provider key and where it
// comes from.
type KeyStatus struct {
	HasKey bool      `json:"has_key"`
	Source KeySource `json:"source"`
}

// helpText is returned by the help action of the runtime key endpoint.
const helpText = "Runtime key actions: 'set <key>' stores a Gemini API key for this session, " +
	"'clear' removes it, 'status' reports whether a key is active and its source. " +
	"Keys are held in process memory only and are never persisted."

// Controller owns quota accounting and runtime key handling for demo
// sessions. It is safe for concurrent use; all state lives in the runtime
// store.
type Controller struct {
	store  *store.Store
	quota  int
	lookup func(string) (string, bool)
}

// Options configures a Controller.
type Options struct {
	// Store holds quota counters and runtime keys. Required.
	Store *store.Store

	// DemoQuota caps demo queries per session. Zero or negative selects
	// DefaultDemoQuota.
	DemoQuota int

	// LookupEnv overrides environment variable resolution in tests. Nil
	// uses os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// New constructs a Controller.
func New(opts Options) *Controller {
	quota := opts.DemoQuota
	if quota <= 0 {
		quota = DefaultDemoQuota
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Controller{store: opts.Store, quota: quota, lookup: lookup}
}

// Quota returns the configured per-session demo quota.
func (c *Controller) Quota() int { return c.quota }

// Remaining returns how many demo queries the session may still run.
func (c *Controller) Remaining(sessionID string) int {
	remaining := c.quota - c.store.DemoUsed(sessionID)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Consume admits one demo query for the session, or reports false without
// mutating when the quota is spent.
func (c *Controller) Consume(sessionID string) bool {
	return c.store.ConsumeDemo(sessionID, c.quota)
}

// SetKey stores the session's runtime provider key, replacing any prior one.
func (c *Controller) SetKey(sessionID, key string) {
	c.store.SetRuntimeKey(sessionID, key)
}

// ClearKey removes the session's runtime provider key.
func (c *Controller) ClearKey(sessionID string) {
	c.store.ClearRuntimeKey(sessionID)
}

// Status reports whether the session has a usable key and which source would
// serve it: a runtime key wins over the environment fallback.
func (c *Controller) Status(sessionID string) KeyStatus {
	_, source := c.ResolveKey(sessionID)
	return KeyStatus{HasKey: source != SourceNone, Source: source}
}

// ResolveKey returns the provider key serving the session and its source.
// Resolution order: the session's runtime key, then GEMINI_API_KEY, then
// GOOGLE_API_KEY.
func (c *Controller) ResolveKey(sessionID string) (string, KeySource) {
	if key, ok := c.store.RuntimeKey(sessionID); ok && key != "" {
		return key, SourceRuntime
	}
	for _, name := range keyEnvVars {
		if value, ok := c.lookup(name); ok && value != "" {
			return value, SourceEnvironment
		}
	}
	return "", SourceNone
}

// Help returns the usage text for the runtime key actions.
func Help() string { return helpText }
