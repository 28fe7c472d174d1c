//go:build !linux

package ipc

import (
	"errors"
	"net"
)

// getPeerCredentials is unavailable on this platform; handlers treat the
// peer as unidentified.
func getPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}
