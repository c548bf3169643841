// Package transport provides the network channels used to reach the
// recognition host: a direct TCP dialer and a chain of SSH jump hosts.
package transport

import (
	"context"
	"net"
	"time"
)

// Direct dials the recognition host over plain TCP.
type Direct struct {
	dialer net.Dialer
}

// NewDirect returns a Direct provider with the given connect timeout.
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{dialer: net.Dialer{Timeout: timeout}}
}

func (d *Direct) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, addr)
}

func (d *Direct) Close() error {
	return nil
}
