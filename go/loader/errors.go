package loader

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/pe"
)

var (
	ErrModuleNotFound         = errors.New("module not found")
	ErrOutOfMemory            = errors.New("out of memory")
	ErrSymbolNotFound         = errors.New("symbol not found")
	ErrNoExports              = errors.New("module has no exports")
	ErrForwarderTargetMissing = errors.New("forwarder target module missing")
	ErrForwarderDepth         = errors.New("forwarder chain too deep")
	ErrDependencyLoadFailed   = errors.New("dependency load failed")
	ErrPartialFailure         = errors.New("imports partially resolved")
	ErrNoTLSSlots             = errors.New("no free TLS slots")
	ErrNotConstructed         = errors.New("module not constructed")
)

// ImportError describes everything that went wrong fixing up one module's
// imports. Its cause is ErrPartialFailure when a dependency failed to load
// and pe.ErrMalformedImports when only the table itself was bad.
type ImportError struct {
	Module     string
	DepErrors  []error
	Malformed  error
	Unresolved int
}

func (e *ImportError) Error() string {
	var parts []string
	for _, err := range e.DepErrors {
		parts = append(parts, err.Error())
	}
	if e.Malformed != nil {
		parts = append(parts, e.Malformed.Error())
	}
	return fmt.Sprintf("%s: %v: %s", e.Module, e.Cause(), strings.Join(parts, "; "))
}

func (e *ImportError) Cause() error {
	if len(e.DepErrors) == 0 && e.Malformed != nil {
		return pe.ErrMalformedImports
	}
	return ErrPartialFailure
}

func (e *ImportError) Unwrap() error { return e.Cause() }
