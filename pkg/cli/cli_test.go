package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/broker"
	"github.com/getmockd/mqttsh/pkg/broker/brokertest"
	"github.com/getmockd/mqttsh/pkg/cliconfig"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// isolateConfig keeps the developer's config files and environment out of
// the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, env := range []string{
		cliconfig.EnvHost, cliconfig.EnvPort, cliconfig.EnvMQTTVersion, cliconfig.EnvClientIDPrefix,
		cliconfig.EnvConnectTimeout, cliconfig.EnvKeepAlive, cliconfig.EnvLogLevel, cliconfig.EnvLogFormat,
		cliconfig.EnvLogDir, cliconfig.EnvHistoryFile, cliconfig.EnvConfig, cliconfig.EnvVerbose,
	} {
		t.Setenv(env, "")
	}
}

// resetFlags restores every flag of cmd and its children to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runRootCommandForTest(args ...string) (string, error) {
	resetFlags(rootCmd)
	cfg = cliconfig.NewDefault()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	err := rootCmd.Execute()
	return out.String(), err
}

// configValue returns the value and source columns of key in config output.
func configValue(t *testing.T, out, key string) (string, string) {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == key {
			return fields[1], fields[2]
		}
	}
	t.Fatalf("key %s not found in:\n%s", key, out)
	return "", ""
}

func TestVersionCmd(t *testing.T) {
	isolateConfig(t)

	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mqttsh "), out)

	out, err = runRootCommandForTest("version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	for _, key := range []string{"version", "commit", "date", "go", "os", "arch"} {
		assert.Contains(t, v, key)
	}
}

func TestConfigCmd(t *testing.T) {
	isolateConfig(t)

	path := filepath.Join(t.TempDir(), "mqttsh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: broker.test\nmqttVersion: \"3\"\n"), 0o600))
	t.Setenv(cliconfig.EnvPort, "1999")

	out, err := runRootCommandForTest("config", "--config", path, "--verbose")
	require.NoError(t, err)

	assert.Contains(t, out, "# config file: "+path)
	value, source := configValue(t, out, "host")
	assert.Equal(t, "broker.test", value)
	assert.Equal(t, cliconfig.SourceLocal, source)

	value, source = configValue(t, out, "port")
	assert.Equal(t, "1999", value)
	assert.Equal(t, cliconfig.SourceEnv, source)

	value, source = configValue(t, out, "keepAlive")
	assert.Equal(t, "60", value)
	assert.Equal(t, cliconfig.SourceDefault, source)

	value, source = configValue(t, out, "verbose")
	assert.Equal(t, "true", value)
	assert.Equal(t, cliconfig.SourceFlag, source)
}

func TestConfigCmd_Invalid(t *testing.T) {
	isolateConfig(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqttVersion: \"4\"\n"), 0o600))

	_, err := runRootCommandForTest("config", "--config", path)
	assert.ErrorIs(t, err, cliconfig.ErrInvalidConfig)

	_, err = runRootCommandForTest("config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConnectDefaults(t *testing.T) {
	cfg = cliconfig.NewDefault()
	cfg.MQTTVersion = "3"
	cfg.KeepAlive = 5
	cfg.ConnectTimeout = 2
	t.Cleanup(func() { cfg = cliconfig.NewDefault() })

	d, err := connectDefaults()
	require.NoError(t, err)
	assert.Equal(t, shell.Defaults{
		Host:           cliconfig.DefaultHost,
		Port:           cliconfig.DefaultPort,
		Version:        mqttclient.V3,
		ClientIDPrefix: cliconfig.DefaultClientIDPrefix,
		KeepAlive:      5 * time.Second,
		ConnectTimeout: 2 * time.Second,
	}, d)
}

func TestPubCmd(t *testing.T) {
	isolateConfig(t)
	b := brokertest.Start(t, nil)

	received := make(chan mqttclient.Message, 1)
	sub, err := mqttclient.Connect(context.Background(), mqttclient.ConnectOptions{
		Host: "127.0.0.1", Port: b.Port(), ClientID: "cli-listener", ConnectTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Disconnect(context.Background(), mqttclient.DisconnectOptions{}) })
	require.NoError(t, sub.Subscribe(context.Background(), mqttclient.SubscribeOptions{
		Topics:    []string{"cli/test"},
		OnMessage: func(m mqttclient.Message) { received <- m },
	}))

	for _, version := range []string{"3", "5"} {
		t.Run("v"+version, func(t *testing.T) {
			_, err := runRootCommandForTest("pub",
				"-h", "127.0.0.1", "-p", fmt.Sprint(b.Port()), "-V", version,
				"-t", "cli/test", "-m", "hello "+version, "-q", "1")
			require.NoError(t, err)

			select {
			case m := <-received:
				assert.Equal(t, "hello "+version, string(m.Payload))
			case <-time.After(5 * time.Second):
				t.Fatal("message not received")
			}
		})
	}
}

func TestPubCmd_Errors(t *testing.T) {
	isolateConfig(t)
	port := fmt.Sprint(brokertest.FreePort(t))

	_, err := runRootCommandForTest("pub", "-h", "127.0.0.1", "-p", port, "-t", "a", "-m", "b")
	assert.ErrorIs(t, err, mqttclient.ErrConnectFailed)

	_, err = runRootCommandForTest("pub", "-h", "127.0.0.1", "-p", port, "-t", "a")
	assert.ErrorContains(t, err, "message")

	_, err = runRootCommandForTest("pub", "-V", "3", "--sessionExpiryInterval", "10", "-t", "a", "-m", "b")
	assert.ErrorIs(t, err, mqttclient.ErrInvalidCapability)

	_, err = runRootCommandForTest("pub", "--ask-password", "-t", "a", "-m", "b")
	assert.ErrorContains(t, err, "--ask-password requires --user")

	_, err = runRootCommandForTest("sub", "--ask-password", "-t", "a")
	assert.ErrorContains(t, err, "--ask-password requires --user")
}

func TestSubCmd(t *testing.T) {
	isolateConfig(t)
	b := brokertest.Start(t, nil)
	events := brokertest.Record(b)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runRootCommandForTest("sub",
			"-h", "127.0.0.1", "-p", fmt.Sprint(b.Port()), "-i", "cli-sub",
			"-t", "cli/#", "-C", "1", "-T")
		done <- result{out, err}
	}()

	events.Wait(t, broker.EventSubscribed, "cli-sub")
	require.NoError(t, b.Publish("cli/x", []byte("hi"), 0, false))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "cli/x: hi\n", r.out)
	case <-time.After(5 * time.Second):
		t.Fatal("sub did not return after one message")
	}
	events.Wait(t, broker.EventDisconnected, "cli-sub")
}

func TestSubCmd_JSONOutput(t *testing.T) {
	isolateConfig(t)
	b := brokertest.Start(t, nil)
	events := brokertest.Record(b)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runRootCommandForTest("sub",
			"-h", "127.0.0.1", "-p", fmt.Sprint(b.Port()), "-i", "cli-json",
			"-t", "cli/#", "-C", "1", "-J")
		done <- result{out, err}
	}()

	events.Wait(t, broker.EventSubscribed, "cli-json")
	require.NoError(t, b.Publish("cli/j", []byte(`{"on":true}`), 0, false))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.out), &doc))
		assert.Equal(t, "cli/j", doc["topic"])
		assert.Equal(t, map[string]any{"on": true}, doc["payload"])
		assert.NotEmpty(t, doc["receivedAt"])
	case <-time.After(5 * time.Second):
		t.Fatal("sub did not return after one message")
	}
}

func TestSubCmd_Kicked(t *testing.T) {
	isolateConfig(t)
	b := brokertest.Start(t, nil)
	events := brokertest.Record(b)

	done := make(chan error, 1)
	go func() {
		_, err := runRootCommandForTest("sub",
			"-h", "127.0.0.1", "-p", fmt.Sprint(b.Port()), "-i", "cli-kicked", "-t", "x")
		done <- err
	}()

	events.Wait(t, broker.EventSubscribed, "cli-kicked")
	require.NoError(t, b.Kick("cli-kicked"))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "connection lost")
	case <-time.After(5 * time.Second):
		t.Fatal("sub did not notice the disconnect")
	}
}

func TestTestCmd(t *testing.T) {
	isolateConfig(t)
	b := brokertest.Start(t, nil)
	port := fmt.Sprint(b.Port())

	out, err := runRootCommandForTest("test", "-h", "127.0.0.1", "-p", port, "-q", "2", "-t", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "MQTT 3: OK\n")
	assert.Contains(t, out, "\t- QoS 1: Received 2/2 publishes in ")
	assert.Contains(t, out, "MQTT 5: OK\n\t- Connect restrictions:\n")
	assert.Equal(t, 1, strings.Count(out, "- Retain: OK"), "MQTT 5 round trips need --all")

	out, err = runRootCommandForTest("test", "-h", "127.0.0.1", "-p", port, "-V", "5", "-a", "-q", "2", "-t", "5")
	require.NoError(t, err)
	assert.NotContains(t, out, "MQTT 3")
	assert.Contains(t, out, "\t- Retain: OK\n")
	assert.Contains(t, out, "\t- Wildcard subscriptions: OK\n")

	_, err = runRootCommandForTest("test", "-q", "0")
	assert.ErrorIs(t, err, mqttclient.ErrInvalidOptions)
}

func TestBrokerConfig(t *testing.T) {
	resetFlags(brokerCmd)
	t.Cleanup(func() { resetFlags(brokerCmd) })

	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`host: 127.0.0.1
port: 1999
webSocketPort: 8081
auth:
  enabled: true
  users:
    - username: reader
      password: r
      acl:
        - topic: "#"
          access: read
`), 0o600))

	fs := brokerCmd.Flags()
	require.NoError(t, fs.Set("file", path))
	require.NoError(t, fs.Set("port", "2000"))
	require.NoError(t, fs.Set("tls", "true"))
	require.NoError(t, fs.Set("user", "admin:secret"))

	config, err := brokerConfig(brokerCmd)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Host)
	assert.Equal(t, 2000, config.Port, "flags override the file")
	assert.Equal(t, 8081, config.WebSocketPort)
	require.NotNil(t, config.TLS)
	assert.True(t, config.TLS.Enabled)
	require.NotNil(t, config.Auth)
	assert.True(t, config.Auth.Enabled)
	require.Len(t, config.Auth.Users, 2)
	assert.Equal(t, "reader", config.Auth.Users[0].Username)
	assert.Len(t, config.Auth.Users[0].ACL, 1)
	assert.Equal(t, broker.User{Username: "admin", Password: "secret"}, config.Auth.Users[1])
}

func TestBrokerConfig_Errors(t *testing.T) {
	resetFlags(brokerCmd)
	t.Cleanup(func() { resetFlags(brokerCmd) })

	require.NoError(t, brokerCmd.Flags().Set("user", "nopassword"))
	_, err := brokerConfig(brokerCmd)
	assert.ErrorContains(t, err, "username:password")

	resetFlags(brokerCmd)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1\n"), 0o600))
	require.NoError(t, brokerCmd.Flags().Set("file", path))
	_, err = brokerConfig(brokerCmd)
	assert.ErrorContains(t, err, "failed to parse broker config")
}

func TestPrintClientEvent(t *testing.T) {
	var buf bytes.Buffer
	term := shell.NewTerminal(&buf)

	printClientEvent(term, broker.ClientEvent{Type: broker.EventConnected, ClientID: "c1", ProtocolVersion: 5})
	printClientEvent(term, broker.ClientEvent{Type: broker.EventSubscribed, ClientID: "c1", Topics: []string{"a", "b/#"}})
	printClientEvent(term, broker.ClientEvent{Type: broker.EventDisconnected, ClientID: "c1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "+ c1 (protocol 5)"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "~ c1 subscribed a, b/#"), lines[1])
	assert.True(t, strings.HasSuffix(lines[2], "- c1"), lines[2])
}
