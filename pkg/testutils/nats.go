package testutils

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
)

// RunNATS starts an in-process NATS server with JetStream on a random port. Call the returned
// function to shut it down and remove its store. Meant for TestMain.
func RunNATS(name string) (*server.Server, func()) {
	tempDir := filepath.Join(os.TempDir(), "nats-test-"+name+"-"+strconv.Itoa(os.Getpid()))

	// Uses modified values of NATS's own default test server config.
	opts := &server.Options{
		Host:                  "127.0.0.1",
		Port:                  -1,
		NoLog:                 true,
		NoSigs:                true,
		MaxControlLine:        4096,
		DisableShortFirstPing: true,
		JetStream:             true,
		StoreDir:              tempDir,
	}
	s := test.RunServer(opts)

	return s, func() {
		s.Shutdown()
		if err := os.RemoveAll(tempDir); err != nil {
			log.Printf("failed to remove temp dir: %v", err)
		}
	}
}
