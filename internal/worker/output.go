package worker

import (
	"io"
	"unicode/utf8"

	"github.com/harrison/testfleet/internal/ipc"
)

// outputWriter streams whatever a test writes as output messages.
type outputWriter struct {
	r         *Runtime
	method    ipc.Method
	variantID string
}

func (r *Runtime) output(method ipc.Method, variantID string) io.Writer {
	return &outputWriter{r: r, method: method, variantID: variantID}
}

func (w *outputWriter) Write(b []byte) (int, error) {
	params := ipc.OutputParams{VariantID: w.variantID}
	if utf8.Valid(b) {
		params.Text = string(b)
	} else {
		params.Buffer = append([]byte(nil), b...)
	}
	if err := w.r.send(w.method, params); err != nil {
		return 0, err
	}
	return len(b), nil
}
