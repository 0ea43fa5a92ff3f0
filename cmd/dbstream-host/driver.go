package main

import (
	"github.com/Alparse/dbstream/config"
	"github.com/Alparse/dbstream/native"
)

// newNativeDriver constructs the driver this host serves. The default build
// carries the scripted in-memory driver so the host can run anywhere; builds
// that link the real cgo-backed library override this in their own file.
//
// TODO: move driver selection behind a build tag once the cgo driver lands.
func newNativeDriver(_ *config.Config) (native.Driver, error) {
	return &native.StubDriver{}, nil
}
