// Command videoserver runs the real-time interactive video generation
// server: an HTTP control plane (§6) backed by a pipeline manager (§4.2)
// and a WebRTC session manager (§4.7).
package main

import (
	"os"

	"github.com/daydream/scope-server/cmd/videoserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
