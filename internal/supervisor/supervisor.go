// Package supervisor implements the root-privileged forking supervisor
// (spec §6): it forks one unprivileged child per TLS terminator, hands each
// a configuration message over an IPC channel, and tracks lifecycle
// messages init -> listen.
package supervisor

import (
	"fmt"
	"io"
	"os/exec"

	json "github.com/goccy/go-json"
)

// Exit codes are interface contracts consumed by the supervisor and its
// children, per spec §6.
const (
	ExitPrivilege     = 1
	ExitMissingIPC    = 2
	ExitCredentials   = 3
	ExitChroot        = 8
	ExitNoCiphers     = 11
	ExitKeyPermission = 12
)

// ChildConfig is the one configuration message a freshly forked child
// expects over its IPC channel.
type ChildConfig struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	BindAddr  string `json:"bind_addr"`
	ProxyPort int    `json:"proxy_port"`
}

// Lifecycle is a message a child emits over IPC as it starts up.
type Lifecycle string

const (
	LifecycleInit   Lifecycle = "init"
	LifecycleListen Lifecycle = "listen"
)

// Child is one forked, IPC-connected TLS terminator process.
type Child struct {
	Cmd *exec.Cmd

	ipcIn  io.WriteCloser // supervisor -> child
	ipcOut io.ReadCloser  // child -> supervisor
}

// Spawn forks one child process for the given terminator binary, wires a
// pipe as its IPC channel, and sends cfg as its one configuration message.
func Spawn(binary string, args []string, cfg ChildConfig) (*Child, error) {
	cmd := exec.Command(binary, args...)

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", binary, err)
	}

	c := &Child{Cmd: cmd, ipcIn: in, ipcOut: out}
	if err := c.sendConfig(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Child) sendConfig(cfg ChildConfig) error {
	enc := json.NewEncoder(c.ipcIn)
	return enc.Encode(cfg)
}

// AwaitLifecycle blocks until the child reports want, skipping any other
// stage it reports on the way (such as "init"), and returns an error if the
// IPC channel closes first (spec §6
// ExitMissingIPC: a supervisor that never observes "listen" treats the
// child as failed).
func (c *Child) AwaitLifecycle(want Lifecycle) error {
	dec := json.NewDecoder(c.ipcOut)
	for {
		var msg struct {
			Stage Lifecycle `json:"stage"`
		}
		if err := dec.Decode(&msg); err != nil {
			return fmt.Errorf("supervisor: ipc closed before %q: %w", want, err)
		}
		if msg.Stage == want {
			return nil
		}
	}
}

// EmitLifecycle writes a lifecycle message to w, for use by the child side
// of the IPC channel (see internal/proxy).
func EmitLifecycle(w io.Writer, stage Lifecycle) error {
	return json.NewEncoder(w).Encode(struct {
		Stage Lifecycle `json:"stage"`
	}{Stage: stage})
}
