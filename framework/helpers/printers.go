package helpers

import (
	"fmt"
	"io"
)

// MustFprintln and MustFprintf are for startup and summary output, where a failed write to the
// console means there is nothing sensible left to do.

func MustFprintln(w io.Writer, a ...any) {
	if _, err := fmt.Fprintln(w, a...); err != nil {
		panic(err)
	}
}

func MustFprintf(w io.Writer, format string, a ...any) {
	if _, err := fmt.Fprintf(w, format, a...); err != nil {
		panic(err)
	}
}
