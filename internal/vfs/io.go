package vfs

import (
	"context"
	"io"
)

// CloseContext closes c, passing ctx along if c implements ContextCloser.
func CloseContext(ctx context.Context, c io.Closer) error {
	if cc, ok := c.(ContextCloser); ok {
		return cc.CloseContext(ctx)
	}
	return c.Close()
}

// Abort closes c without committing its content if c implements Aborter.
func Abort(c io.Closer) error {
	if a, ok := c.(Aborter); ok {
		return a.Abort()
	}
	return c.Close()
}

// Copy copies the content of in to out. Failures on the reading side are
// returned as *InputError, control-flow signals are returned unwrapped.
// The input is closed before the output so a parent file system commits the
// output only after the input is released.
func Copy(ctx context.Context, in InputSocket, out OutputSocket) error {
	r, err := in.Stream(ctx, out)
	if err != nil {
		return inputError(err)
	}
	w, err := out.Stream(ctx, in)
	if err != nil {
		_ = r.Close()
		return err
	}
	if _, err := io.Copy(w, inputReader{r}); err != nil {
		_ = Abort(w)
		_ = r.Close()
		return err
	}
	if err := CloseContext(ctx, r); err != nil {
		_ = Abort(w)
		return inputError(err)
	}
	return CloseContext(ctx, w)
}

func inputError(err error) error {
	if IsControlFlow(err) {
		return err
	}
	return &InputError{Err: err}
}

// inputReader tags the read failures of r as *InputError.
type inputReader struct {
	r io.Reader
}

func (r inputReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = inputError(err)
	}
	return n, err
}
