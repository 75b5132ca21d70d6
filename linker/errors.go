package linker

import (
	"errors"
	"fmt"
)

var (
	// ErrCannotLocate is returned when a requested object is not on the
	// search path.
	ErrCannotLocate   = errors.New("cannot locate requested DSO")
	ErrSymbolNotFound = errors.New("symbol not found")

	ErrMalformedDynamic       = errors.New("malformed dynamic section")
	ErrUnsupportedRelocation  = errors.New("unsupported relocation type")
	ErrOutOfImage             = errors.New("relocation target outside object image")
	ErrStaticTLSUnavailable   = errors.New("static TLS relocation against a dynamic-model module")
	ErrNotJumpSlot            = errors.New("lazy relocation is not a jump slot")
	ErrInitializerFailed      = errors.New("initializer failed")
	ErrMissingDynamicSegment  = errors.New("executable has no PT_DYNAMIC segment")
	ErrMissingPhdrSegment     = errors.New("executable has no PT_PHDR segment")
	ErrUnsupportedObjectState = errors.New("object is not linked")
)

// FatalError marks a linkage failure the process cannot continue from: a
// malformed dynamic section, an unresolved mandatory symbol, an unsupported
// relocation or a failed initializer.
type FatalError struct {
	Op     string
	Object string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("rtld: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rtld: %s %s: %v", e.Op, e.Object, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, object *SharedObject, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	name := ""
	if object != nil {
		name = object.Name
	}
	return &FatalError{Op: op, Object: name, Err: err}
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
