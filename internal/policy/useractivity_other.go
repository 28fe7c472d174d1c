//go:build !linux

package policy

import (
	"log/slog"
	"os"
)

// userActivityNotifier is a no-op where no desktop session bus exists.
type userActivityNotifier struct{}

func newUserActivityNotifier(*slog.Logger) *userActivityNotifier {
	return &userActivityNotifier{}
}

func (n *userActivityNotifier) poke(int64, any) {}

func currentUid() int32 {
	return int32(os.Getuid())
}
