package authstate

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const credsItem = "creds"

// ErrorHandler observes store failures that the adapter recovers from.
// op is one of "load", "get", "set", "delete", "save", "decode".
type ErrorHandler func(op, key string, err error)

// AuthState persists one session's credential bundle and key material in a
// Store. Reads degrade to "absent" and writes are best effort: failures are
// logged and passed to the ErrorHandler, never returned to the protocol layer.
type AuthState struct {
	sessionID string
	store     Store
	registry  *Registry
	pool      *ants.Pool
	onError   ErrorHandler

	mu        sync.RWMutex
	creds     *Credentials
	persisted bool
}

type Option func(*AuthState)

func WithRegistry(r *Registry) Option {
	return func(a *AuthState) { a.registry = r }
}

// WithPool runs SetKeys writes on p instead of one goroutine per key.
func WithPool(p *ants.Pool) Option {
	return func(a *AuthState) { a.pool = p }
}

func WithErrorHandler(fn ErrorHandler) Option {
	return func(a *AuthState) { a.onError = fn }
}

// Load builds the auth state of sessionID and loads its credentials.
func Load(ctx context.Context, store Store, sessionID string, opts ...Option) *AuthState {
	a := &AuthState{sessionID: sessionID, store: store}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	creds, persisted := a.LoadCredentials(ctx)
	a.creds = creds
	a.persisted = persisted
	return a
}

func (a *AuthState) SessionID() string {
	return a.sessionID
}

// LoadCredentials reads "{sessionId}-creds". When the row is missing or
// unreadable a new identity is generated and reported as not persisted.
func (a *AuthState) LoadCredentials(ctx context.Context) (*Credentials, bool) {
	key := a.key(credsItem)
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.report("load", key, err)
		}
		return NewCredentials(), false
	}
	creds := new(Credentials)
	if err := UnmarshalInto(data, creds); err != nil {
		a.report("decode", key, err)
		return NewCredentials(), false
	}
	return creds, true
}

// Creds returns a copy of the in-memory credential bundle.
func (a *AuthState) Creds() *Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.Clone()
}

// Persisted reports whether the credentials were loaded from or saved to the store.
func (a *AuthState) Persisted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.persisted
}

// SetCredentials replaces the in-memory bundle. It does not write to the store.
func (a *AuthState) SetCredentials(c *Credentials) {
	if c == nil {
		return
	}
	a.mu.Lock()
	a.creds = c.Clone()
	a.mu.Unlock()
}

// SaveCredentials writes the in-memory bundle to "{sessionId}-creds".
func (a *AuthState) SaveCredentials(ctx context.Context) {
	key := a.key(credsItem)
	a.mu.RLock()
	data, err := Marshal(a.creds)
	a.mu.RUnlock()
	if err != nil {
		a.report("save", key, err)
		return
	}
	if err := a.store.Put(ctx, key, data); err != nil {
		a.report("save", key, err)
		return
	}
	a.mu.Lock()
	a.persisted = true
	a.mu.Unlock()
}

// GetKeys reads "{sessionId}-{category}-{id}" for every id. Missing or
// unreadable entries are left out of the result.
func (a *AuthState) GetKeys(ctx context.Context, category string, ids []string) map[string]any {
	result := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return result
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.key(category + "-" + id)
	}
	rows, err := a.store.GetMany(ctx, keys)
	if err != nil {
		a.report("get", a.key(category), err)
		return result
	}
	for i, id := range ids {
		data, ok := rows[keys[i]]
		if !ok {
			continue
		}
		if value, ok := a.decode(category, keys[i], data); ok {
			result[id] = value
		}
	}
	return result
}

// ScanKeys returns every entry of category whose id starts with idPrefix.
func (a *AuthState) ScanKeys(ctx context.Context, category, idPrefix string) map[string]any {
	prefix := a.key(category + "-")
	rows, err := a.store.Scan(ctx, prefix+idPrefix)
	if err != nil {
		a.report("get", prefix+idPrefix, err)
		return map[string]any{}
	}
	result := make(map[string]any, len(rows))
	for key, data := range rows {
		if value, ok := a.decode(category, key, data); ok {
			result[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return result
}

// DeleteKeys removes every entry of category whose id starts with idPrefix.
func (a *AuthState) DeleteKeys(ctx context.Context, category, idPrefix string) {
	key := a.key(category + "-" + idPrefix)
	if _, err := a.store.DeletePrefix(ctx, key); err != nil {
		a.report("delete", key, err)
	}
}

func (a *AuthState) decode(category, key string, data []byte) (any, bool) {
	raw, err := Unmarshal(data)
	if err != nil {
		a.report("decode", key, err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}
	value, err := a.registry.Decode(category, raw)
	if err != nil {
		a.report("decode", key, err)
		return nil, false
	}
	return value, true
}

// SetKeys applies a category -> id -> value batch. A nil value deletes the
// row, anything else is upserted. Writes run concurrently and SetKeys returns
// once all of them have finished.
func (a *AuthState) SetKeys(ctx context.Context, batch map[string]map[string]any) {
	var wg sync.WaitGroup
	for category, entries := range batch {
		for id, value := range entries {
			key := a.key(category + "-" + id)
			value := value
			task := func() {
				defer wg.Done()
				if isNil(value) {
					if err := a.store.Delete(ctx, key); err != nil {
						a.report("delete", key, err)
					}
					return
				}
				data, err := Marshal(value)
				if err != nil {
					a.report("set", key, err)
					return
				}
				if err := a.store.Put(ctx, key, data); err != nil {
					a.report("set", key, err)
				}
			}
			wg.Add(1)
			if a.pool == nil {
				go task()
			} else if err := a.pool.Submit(task); err != nil {
				task()
			}
		}
	}
	wg.Wait()
}

// ClearSession deletes every row of the session.
func (a *AuthState) ClearSession(ctx context.Context) error {
	return ClearSession(ctx, a.store, a.sessionID)
}

// ClearSession deletes every row whose key starts with "{sessionID}-".
func ClearSession(ctx context.Context, store Store, sessionID string) error {
	n, err := store.DeletePrefix(ctx, sessionID+"-")
	if err != nil {
		return err
	}
	zap.L().Info("whatsapp: session records cleared",
		zap.String("session", sessionID),
		zap.Int64("rows", n))
	return nil
}

func (a *AuthState) key(item string) string {
	return a.sessionID + "-" + item
}

func (a *AuthState) report(op, key string, err error) {
	zap.L().Error("whatsapp: auth state "+op+" failed",
		zap.String("key", key),
		zap.Error(err))
	if a.onError != nil {
		a.onError(op, key, err)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
