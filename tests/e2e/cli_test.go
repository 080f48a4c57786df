package e2e_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/getmockd/mqttsh/pkg/broker/brokertest"
	"github.com/getmockd/mqttsh/pkg/cli"
	"github.com/rogpeppe/go-internal/testscript"
)

func TestCLIIntegration(t *testing.T) {
	b := brokertest.Start(t, nil)

	// Run testscript against all .txt files in testdata/
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
		Setup: func(env *testscript.Env) error {
			env.Setenv("BROKER_PORT", strconv.Itoa(b.Port()))
			env.Setenv("MQTTSH_LOG_DIR", filepath.Join(env.WorkDir, "logs"))
			env.Setenv("MQTTSH_HISTORY_FILE", filepath.Join(env.WorkDir, "history"))
			return nil
		},
	})
}

// TestMain acts as the main entrypoint. Testscript requires its own Main wrapper.
func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"mqttsh": func() int {
			cli.Execute()
			return 0
		},
	}))
}
