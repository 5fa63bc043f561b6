// Package evaluator implements the Config Cache & Evaluator (spec
// §4.4 C6): an atomically-replaceable ConfigMap, typed accessors that
// push exposure summaries as a side effect of a read, and change
// detection that fires per-key listeners before the all-flags
// listener. Grounded on internal/config.Mutable's atomic.Value swap
// plus listener-snapshot-then-invoke idiom, generalized from a single
// config struct to a keyed flag map with per-key subscriptions.
package evaluator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
)

// SummaryPusher is the boundary to the Summary Manager (C7). Kept as
// an interface here so internal/evaluator never imports
// internal/summary directly; wiring happens in the root client.
type SummaryPusher interface {
	PushSummary(rec domain.FlagRecord)
}

// KeyListener is notified when a specific flag's resolved value
// changes. old/new are the zero FlagRecord when the key didn't exist
// on that side of the change.
type KeyListener func(key string, old, new domain.FlagRecord)

// AllFlagsListener is notified once per change event, after every
// KeyListener for that event has run.
type AllFlagsListener func(old, new *domain.ConfigMap)

// Evaluator owns the current ConfigMap and the listener registries
// keyed off it.
type Evaluator struct {
	current       atomic.Value // *domain.ConfigMap
	lastFetchTime atomic.Value // time.Time

	mu                sync.Mutex
	keyListeners      map[string][]KeyListener
	allFlagsListeners []AllFlagsListener

	summaries SummaryPusher
	logger    *slog.Logger
}

// New builds an Evaluator with an empty ConfigMap. summaries may be
// nil (summaries are then dropped silently, same as a validation
// failure at the Summary Manager boundary).
func New(summaries SummaryPusher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		keyListeners: map[string][]KeyListener{},
		summaries:    summaries,
		logger:       logger,
	}
	e.current.Store(domain.NewConfigMap())
	return e
}

func (e *Evaluator) snapshot() *domain.ConfigMap {
	return e.current.Load().(*domain.ConfigMap)
}

// GetString resolves key as a string, pushing an exposure summary on
// a metadata-bearing hit. Returns def if key is absent or resolves to
// a non-string Kind.
func (e *Evaluator) GetString(key, def string) string {
	rec, ok := e.lookup(key)
	if !ok || rec.Variation.Kind != domain.KindString {
		return def
	}
	e.pushSummary(rec)
	return rec.Variation.String
}

// GetBool is GetString's counterpart for boolean flags.
func (e *Evaluator) GetBool(key string, def bool) bool {
	rec, ok := e.lookup(key)
	if !ok || rec.Variation.Kind != domain.KindBool {
		return def
	}
	e.pushSummary(rec)
	return rec.Variation.Bool
}

// GetNumber is GetString's counterpart for numeric flags.
func (e *Evaluator) GetNumber(key string, def float64) float64 {
	rec, ok := e.lookup(key)
	if !ok || rec.Variation.Kind != domain.KindNumber {
		return def
	}
	e.pushSummary(rec)
	return rec.Variation.Number
}

// GetJSON is GetString's counterpart for object/array-valued flags.
func (e *Evaluator) GetJSON(key string, def any) any {
	rec, ok := e.lookup(key)
	if !ok || rec.Variation.Kind != domain.KindJSON {
		return def
	}
	e.pushSummary(rec)
	return rec.Variation.JSONValue
}

func (e *Evaluator) lookup(key string) (domain.FlagRecord, bool) {
	return e.snapshot().Get(key)
}

func (e *Evaluator) pushSummary(rec domain.FlagRecord) {
	// Records without a variation envelope (HasMetadata false) carry
	// no experiment metadata; spec §4.4 step 3 never emits a summary
	// for them.
	if !rec.HasMetadata || e.summaries == nil {
		return
	}
	e.summaries.PushSummary(rec)
}

// DumpConfigMap returns a read-only snapshot of the current map
// (spec §4.4's dump_config_map).
func (e *Evaluator) DumpConfigMap() *domain.ConfigMap {
	return e.snapshot().Clone()
}

// LastFetchTime returns the timestamp of the most recent Replace, or
// the zero time if none has happened yet.
func (e *Evaluator) LastFetchTime() time.Time {
	v := e.lastFetchTime.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// OnKeyChange registers l for changes to key, appended after any
// previously registered listener for the same key.
func (e *Evaluator) OnKeyChange(key string, l KeyListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyListeners[key] = append(e.keyListeners[key], l)
}

// OnAnyChange registers l for every change event, fired after all
// per-key listeners for that event have run.
func (e *Evaluator) OnAnyChange(l AllFlagsListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allFlagsListeners = append(e.allFlagsListeners, l)
}

// Replace atomically swaps in newMap and fires change-detection
// listeners. Called by the fetcher (C5) after a successful parse.
func (e *Evaluator) Replace(newMap *domain.ConfigMap) {
	oldMap := e.snapshot()
	e.current.Store(newMap)
	e.lastFetchTime.Store(time.Now())
	e.notifyChanges(oldMap, newMap)
}

// notifyChanges walks the union of old and new keys in a stable
// order (old's insertion order first, then any new-only keys in
// new's insertion order), invoking per-key listeners before the
// all-flags listeners, per spec §4.4/§5.
func (e *Evaluator) notifyChanges(oldMap, newMap *domain.ConfigMap) {
	seen := make(map[string]struct{}, len(oldMap.Keys)+len(newMap.Keys))
	order := make([]string, 0, len(oldMap.Keys)+len(newMap.Keys))
	for _, k := range oldMap.Keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			order = append(order, k)
		}
	}
	for _, k := range newMap.Keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			order = append(order, k)
		}
	}

	anyChanged := false
	for _, key := range order {
		oldRec, oldOK := oldMap.Get(key)
		newRec, newOK := newMap.Get(key)
		if !recordChanged(oldRec, oldOK, newRec, newOK) {
			continue
		}
		anyChanged = true
		e.dispatchKeyListeners(key, oldRec, newRec)
	}

	if anyChanged {
		e.dispatchAllFlagsListeners(oldMap, newMap)
	}
}

func (e *Evaluator) dispatchKeyListeners(key string, old, new domain.FlagRecord) {
	e.mu.Lock()
	listeners := append([]KeyListener(nil), e.keyListeners[key]...)
	e.mu.Unlock()

	for _, l := range listeners {
		e.invokeKeyListener(l, key, old, new)
	}
}

func (e *Evaluator) invokeKeyListener(l KeyListener, key string, old, new domain.FlagRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("key listener panicked", "key", key, "recovered", r)
		}
	}()
	l(key, old, new)
}

func (e *Evaluator) dispatchAllFlagsListeners(old, new *domain.ConfigMap) {
	e.mu.Lock()
	listeners := append([]AllFlagsListener(nil), e.allFlagsListeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		e.invokeAllFlagsListener(l, old, new)
	}
}

func (e *Evaluator) invokeAllFlagsListener(l AllFlagsListener, old, new *domain.ConfigMap) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("all-flags listener panicked", "recovered", r)
		}
	}()
	l(old, new)
}

// recordChanged reports whether a key's resolved value changed
// between old and new, per spec §4.4: compare the variation first,
// then the rest of the metadata as a tiebreaker.
func recordChanged(old domain.FlagRecord, oldOK bool, new domain.FlagRecord, newOK bool) bool {
	if oldOK != newOK {
		return true
	}
	if !oldOK && !newOK {
		return false
	}
	if !old.Variation.Equal(new.Variation) {
		return true
	}
	return old.ConfigID != new.ConfigID ||
		old.VariationID != new.VariationID ||
		old.ExperienceID != new.ExperienceID ||
		old.Version != new.Version ||
		old.BehaviourID != new.BehaviourID ||
		old.RuleID != new.RuleID
}
