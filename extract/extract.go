// Package extract defines the contract between the fetch engine and the
// per-site code that turns a product page into a record.
package extract

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/stock-harvest/models"
)

// DefaultSignalQuantity is recorded when a page only says "in stock"
// without a number.
const DefaultSignalQuantity = 1

// Plugin extracts one product record from a fetched page. Implementations
// must not keep state between calls so a single value can serve all workers.
type Plugin interface {
	Extract(page []byte, address string) (models.ProductRecord, error)
}

// Func adapts a plain function to the Plugin interface.
type Func func(page []byte, address string) (models.ProductRecord, error)

// Extract calls f.
func (f Func) Extract(page []byte, address string) (models.ProductRecord, error) {
	return f(page, address)
}

// Error reports that a page could not be turned into a record. It is never
// retried.
type Error struct {
	Address string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Address, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Address, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failed builds an *Error for address.
func Failed(address, reason string) error {
	return &Error{Address: address, Reason: reason}
}

// Failedf builds an *Error wrapping err.
func Failedf(address string, err error, format string, args ...any) error {
	return &Error{Address: address, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsExtractionError reports whether err came from a plugin rejecting a page.
func IsExtractionError(err error) bool {
	var extractErr *Error
	return errors.As(err, &extractErr)
}
