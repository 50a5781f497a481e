package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nexbridge/internal/config"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("nexbridge")
			look = strings.TrimSpace(look)

			fmt.Fprintf(os.Stdout, "nexbridge_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(os.Stdout, "nexbridge_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(os.Stdout, "warning=you_are_not_running_the_same_nexbridge_as_on_PATH (adjust PATH or call the intended binary explicitly)")
				}
			}
			fmt.Fprintf(os.Stdout, "PATH=%s\n", os.Getenv("PATH"))

			home, _ := os.UserHomeDir()
			if home != "" {
				userBin := filepath.Join(home, ".local", "bin")
				inPath := false
				for _, p := range filepath.SplitList(os.Getenv("PATH")) {
					if filepath.Clean(p) == filepath.Clean(userBin) {
						inPath = true
						break
					}
				}
				fmt.Fprintf(os.Stdout, "user_bin=%s\n", userBin)
				fmt.Fprintf(os.Stdout, "user_bin_in_PATH=%t\n", inPath)
			}

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := config.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				cfg = nil
			} else if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
			} else {
				fmt.Fprintln(os.Stdout, "config_present=true")
				if cfg.Listen != "" {
					fmt.Fprintf(os.Stdout, "config_listen=%s\n", cfg.Listen)
				}
				if cfg.AgentBin != "" {
					fmt.Fprintf(os.Stdout, "config_agent_bin=%s\n", cfg.AgentBin)
				}
				if cfg.SSH.Host != "" {
					target := cfg.SSH.Host
					if cfg.SSH.User != "" {
						target = cfg.SSH.User + "@" + target
					}
					if p := strings.TrimSpace(cfg.SSH.Port); p != "" {
						target += ":" + p
					}
					fmt.Fprintf(os.Stdout, "config_ssh=%s\n", target)
				}
			}

			addr := root.addr
			if addr == "" && cfg != nil {
				addr = cfg.Listen
			}
			if addr == "" {
				addr = os.Getenv("NEXBRIDGE_ADDR")
			}
			if addr == "" {
				addr = "127.0.0.1:7171"
			}
			fmt.Fprintf(os.Stdout, "daemon_addr=%s\n", addr)
			httpc := &http.Client{Timeout: 2 * time.Second}
			resp, err := httpc.Get("http://" + addr + "/health")
			if err != nil {
				fmt.Fprintln(os.Stdout, "daemon_reachable=false")
				fmt.Fprintf(os.Stdout, "daemon_error=%s\n", err.Error())
			} else {
				_ = resp.Body.Close()
				fmt.Fprintf(os.Stdout, "daemon_reachable=%t\n", resp.StatusCode == http.StatusOK)
			}

			agentBin := "nexus"
			if cfg != nil && cfg.AgentBin != "" {
				agentBin = cfg.AgentBin
			}
			fmt.Fprintf(os.Stdout, "agent_bin=%s\n", agentBin)
			if lp, err := exec.LookPath(agentBin); err == nil {
				fmt.Fprintf(os.Stdout, "agent_on_path=%s\n", strings.TrimSpace(lp))
			} else {
				fmt.Fprintln(os.Stdout, "agent_on_path=false")
			}
			return nil
		},
	}
	return cmd
}
