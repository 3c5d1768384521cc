package store

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps struct types to stable names so checkpointed values can
// be reconstructed with their declared type after a serialization round trip.
// Unregistered types fall back to the opaque gob envelope.
type TypeRegistry struct {
	mu         sync.RWMutex
	nameToType map[string]reflect.Type
	typeToName map[reflect.Type]string
}

var globalTypeRegistry = &TypeRegistry{
	nameToType: make(map[string]reflect.Type),
	typeToName: make(map[reflect.Type]string),
}

// GlobalTypeRegistry returns the process-wide type registry.
func GlobalTypeRegistry() *TypeRegistry {
	return globalTypeRegistry
}

// RegisterType registers t under typeName in the global registry.
//
// Example:
//
//	store.RegisterType(reflect.TypeOf(OrderState{}), "OrderState")
func RegisterType(t reflect.Type, typeName string) error {
	return globalTypeRegistry.Register(t, typeName)
}

// RegisterTypeWithValue registers the dynamic type of value under typeName.
// This is the recommended way to register types.
func RegisterTypeWithValue(value any, typeName string) error {
	return globalTypeRegistry.Register(reflect.TypeOf(value), typeName)
}

// Register adds a struct type (or pointer to struct) to the registry.
func (r *TypeRegistry) Register(t reflect.Type, typeName string) error {
	base := t
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.typeToName[t]; ok && existing != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.nameToType[typeName]; ok && existing != t {
		return fmt.Errorf("name %s already registered for %v", typeName, existing)
	}

	r.nameToType[typeName] = t
	r.typeToName[t] = typeName

	// Also register with gob so the same type survives the opaque path when
	// it appears nested inside an unregistered container.
	gob.Register(reflect.New(base).Elem().Interface())

	return nil
}

// NameOf returns the registered name for a type.
func (r *TypeRegistry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.typeToName[t]
	return name, ok
}

// TypeOf returns the registered type for a name.
func (r *TypeRegistry) TypeOf(typeName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.nameToType[typeName]
	return t, ok
}

// Instantiate decodes data into a fresh instance of the named type and
// returns it with the registered type (pointer registrations yield pointers).
func (r *TypeRegistry) Instantiate(typeName string, data json.RawMessage) (any, error) {
	t, ok := r.TypeOf(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown registered type %q", typeName)
	}

	base := t
	isPtr := base.Kind() == reflect.Pointer
	if isPtr {
		base = base.Elem()
	}

	ptr := reflect.New(base)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", typeName, err)
	}
	if isPtr {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}
