package schema

import "errors"

// Configuration errors, surfaced immediately and never retried
var (
	// ErrNotSealed is returned by lookups before registration has completed
	ErrNotSealed = errors.New("schema: registry is not sealed")

	// ErrRegistrySealed is returned when registering into a sealed registry
	ErrRegistrySealed = errors.New("schema: registry is sealed")

	// ErrTypeNotRegistered is returned for unknown type names
	ErrTypeNotRegistered = errors.New("schema: type not registered")

	// ErrAlreadyRegistered is returned when a type name is registered twice
	ErrAlreadyRegistered = errors.New("schema: type already registered")

	// ErrInvalidType is returned for malformed type definitions
	ErrInvalidType = errors.New("schema: invalid type definition")

	// ErrUnknownProperty is returned when a property name does not exist on a type
	ErrUnknownProperty = errors.New("schema: unknown property")

	// ErrConversion is returned when a stored value cannot be converted to its kind
	ErrConversion = errors.New("schema: value conversion failed")
)

// IsNotRegistered checks if an error is ErrTypeNotRegistered
func IsNotRegistered(err error) bool {
	return errors.Is(err, ErrTypeNotRegistered)
}

// IsConfiguration checks if an error is any registry configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrNotSealed) ||
		errors.Is(err, ErrRegistrySealed) ||
		errors.Is(err, ErrTypeNotRegistered) ||
		errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrInvalidType)
}
