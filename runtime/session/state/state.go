// Package state defines the tiered key/value state carried by sessions.
//
// A flat state map mixes three persisted tiers and one ephemeral tier. The
// tier of a key is determined by a reserved prefix:
//
//	app:<key>   shared by every user of an application
//	user:<key>  shared by every session of one user within an application
//	temp:<key>  ephemeral, never persisted
//	<key>       scoped to a single session
//
// Split partitions a flat map into per-tier deltas and Merge rebuilds the
// flat view a session exposes to callers.
package state

import "strings"

type (
	// Map is a key/value state map. Values are arbitrary data that the backing
	// store can serialize (strings, numbers, booleans, nested maps and slices).
	Map map[string]any

	// Tier identifies the scope a state key belongs to.
	Tier int

	// Deltas holds a state update partitioned by tier. Keys in App and User
	// have their prefix removed.
	Deltas struct {
		App     Map
		User    Map
		Session Map
	}
)

const (
	// TierSession scopes a key to a single session.
	TierSession Tier = iota
	// TierApp scopes a key to every session of an application.
	TierApp
	// TierUser scopes a key to every session of one user in an application.
	TierUser
	// TierTemp marks a key as ephemeral.
	TierTemp
)

const (
	// AppPrefix marks application-scoped keys.
	AppPrefix = "app:"
	// UserPrefix marks user-scoped keys.
	UserPrefix = "user:"
	// TempPrefix marks ephemeral keys that are never persisted.
	TempPrefix = "temp:"
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierApp:
		return "app"
	case TierUser:
		return "user"
	case TierTemp:
		return "temp"
	default:
		return "session"
	}
}

// TierOf returns the tier of key and the key with its tier prefix removed.
// Session keys are returned unchanged.
func TierOf(key string) (Tier, string) {
	switch {
	case strings.HasPrefix(key, AppPrefix):
		return TierApp, strings.TrimPrefix(key, AppPrefix)
	case strings.HasPrefix(key, UserPrefix):
		return TierUser, strings.TrimPrefix(key, UserPrefix)
	case strings.HasPrefix(key, TempPrefix):
		return TierTemp, strings.TrimPrefix(key, TempPrefix)
	default:
		return TierSession, key
	}
}

// Split partitions combined into per-tier deltas. Temporary keys are dropped.
// The returned maps are never nil and never alias values of combined.
func Split(combined Map) Deltas {
	d := Deltas{App: Map{}, User: Map{}, Session: Map{}}
	for key, value := range combined {
		tier, bare := TierOf(key)
		switch tier {
		case TierApp:
			d.App[bare] = cloneValue(value)
		case TierUser:
			d.User[bare] = cloneValue(value)
		case TierSession:
			d.Session[bare] = cloneValue(value)
		}
	}
	return d
}

// Empty reports whether no tier carries an update.
func (d Deltas) Empty() bool {
	return len(d.App) == 0 && len(d.User) == 0 && len(d.Session) == 0
}

// Merge builds the flat state view of a session. Session keys pass through,
// application and user keys are prefixed with their tier. Inputs are not
// modified.
func Merge(app, user, session Map) Map {
	merged := make(Map, len(app)+len(user)+len(session))
	for k, v := range session {
		merged[k] = cloneValue(v)
	}
	for k, v := range app {
		merged[AppPrefix+k] = cloneValue(v)
	}
	for k, v := range user {
		merged[UserPrefix+k] = cloneValue(v)
	}
	return merged
}

// Apply returns a copy of m with delta upserted into it. m is not modified.
func (m Map) Apply(delta Map) Map {
	out := m.Clone()
	for k, v := range delta {
		out[k] = cloneValue(v)
	}
	return out
}

// WithoutTemp returns a copy of m without temporary keys.
func (m Map) WithoutTemp() Map {
	out := make(Map, len(m))
	for k, v := range m {
		if tier, _ := TierOf(k); tier == TierTemp {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of m. Clone of a nil map returns an empty map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Map:
		return val.Clone()
	case map[string]any:
		return map[string]any(Map(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
