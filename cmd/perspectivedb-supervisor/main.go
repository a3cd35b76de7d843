// Command perspectivedb-supervisor is the root-privileged process that
// forks one unprivileged TLS-terminator child per configured database and
// tracks their init -> listen lifecycle, per spec §6.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/netsend/perspectivedb/internal/supervisor"
)

func main() {
	var configPath, terminatorBinary string

	root := &cobra.Command{
		Use:   "perspectivedb-supervisor",
		Short: "root-privileged TLS-terminator supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, terminatorBinary)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/perspectivedb/supervisor.yaml", "supervisor configuration file")
	root.Flags().StringVar(&terminatorBinary, "terminator", "perspectivedb-terminator", "path to the terminator child binary")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(supervisor.ExitPrivilege)
	}
}

type databaseEntry struct {
	BindAddr  string `mapstructure:"bind_addr"`
	ProxyPort int    `mapstructure:"proxy_port"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
}

func run(configPath, terminatorBinary string) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: missing or unreadable config: %v\n", err)
		os.Exit(supervisor.ExitMissingIPC)
	}

	var databases map[string]databaseEntry
	if err := v.UnmarshalKey("databases", &databases); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: bad config: %v\n", err)
		os.Exit(supervisor.ExitCredentials)
	}

	children := make([]*supervisor.Child, 0, len(databases))
	for name, db := range databases {
		cfg := supervisor.ChildConfig{
			LogLevel:  v.GetString("log_level"),
			LogFormat: v.GetString("log_format"),
			CertFile:  db.CertFile,
			KeyFile:   db.KeyFile,
			BindAddr:  db.BindAddr,
			ProxyPort: db.ProxyPort,
		}
		child, err := supervisor.Spawn(terminatorBinary, []string{"--database", name}, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "supervisor: spawn %s: %v\n", name, err)
			os.Exit(supervisor.ExitPrivilege)
		}
		if err := child.AwaitLifecycle(supervisor.LifecycleListen); err != nil {
			fmt.Fprintf(os.Stderr, "supervisor: %s never reached listen: %v\n", name, err)
			os.Exit(supervisor.ExitMissingIPC)
		}
		children = append(children, child)
	}

	for _, c := range children {
		c.Cmd.Wait()
	}
	return nil
}
