// Command animus runs the substrate: a durable work queue, a control plane
// dispatching foci, and the operator CLI over the same store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/animusworks/animus/internal/work"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "animus: %s: %v\n", errorClass(err), err)
		os.Exit(1)
	}
}

// errorClass names the failure class for operator-facing output.
func errorClass(err error) string {
	var ve *work.ValidationError
	var ite *work.InvalidTransitionError
	switch {
	case errors.Is(err, work.ErrNotFound):
		return "not found"
	case errors.Is(err, work.ErrConflict), errors.As(err, &ite):
		return "conflict"
	case errors.As(err, &ve):
		return "validation"
	default:
		return "error"
	}
}
