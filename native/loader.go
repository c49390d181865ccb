package native

import (
	"context"
	"errors"
)

// Loader locates and loads a native Source. It is the capability injected
// into the bridge, which otherwise has no idea how (or from where) the
// native implementation is obtained.
type Loader interface {
	Load(ctx context.Context) (Source, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Source, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context) (Source, error) {
	return f(ctx)
}

// Static returns a Loader that always yields src, e.g. for a source linked
// into the binary.
func Static(src Source) Loader {
	return LoaderFunc(func(context.Context) (Source, error) {
		if src == nil {
			return nil, errors.Join(ErrLoad, errors.New("native: nil source"))
		}
		return src, nil
	})
}
