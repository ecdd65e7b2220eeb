//go:build !gocv

package camera

import (
	"context"
	"fmt"
)

func openDevice(_ context.Context, req Request) (Source, error) {
	return nil, fmt.Errorf("%w: device %q requires a build with -tags gocv", ErrUnsupported, req.Device)
}
