//go:build !cgo

package capture

import (
	"context"
	"errors"
)

var errNoLibpcap = errors.New("native live capture requires a cgo build with libpcap")

func (s *NativeSource) openLive(ctx context.Context, inv Invocation) (Stream, error) {
	return nil, &StartError{Origin: inv.Interface, Err: errNoLibpcap}
}

func listDevices() ([]Interface, error) {
	return nil, errNoLibpcap
}
