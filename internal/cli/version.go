package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"codebox/internal/gateway/middleware"
)

// 编译时注入的版本信息
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo 构建信息
type BuildInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GitCommit  string `json:"git_commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// NewVersionCmd 创建 version 命令
func NewVersionCmd() *cobra.Command {
	var (
		jsonOutput bool
		check      string
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Example: `  codebox version --json
  # exit status 1 unless the binary satisfies the constraint
  codebox version --check ">= 1.2, < 2"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := BuildInfo{
				Version:    Version,
				APIVersion: middleware.APIVersion,
				GitCommit:  GitCommit,
				BuildTime:  BuildTime,
				GoVersion:  runtime.Version(),
				OS:         runtime.GOOS,
				Arch:       runtime.GOARCH,
			}
			out := cmd.OutOrStdout()

			if check != "" {
				ok, err := satisfies(info.Version, check)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "codebox %s satisfies %q: %t\n", info.Version, check, ok)
				if !ok {
					return &ExitError{Code: 1}
				}
				return nil
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintf(out, "codebox %s\n", info.Version)
				fmt.Fprintf(out, "  API version: %s\n", info.APIVersion)
				fmt.Fprintf(out, "  Git commit:  %s\n", info.GitCommit)
				fmt.Fprintf(out, "  Built:       %s\n", info.BuildTime)
				fmt.Fprintf(out, "  Go version:  %s\n", info.GoVersion)
				fmt.Fprintf(out, "  OS/Arch:     %s/%s\n", info.OS, info.Arch)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&check, "check", "", "check the version against a semver constraint")

	return cmd
}

// satisfies reports whether version meets constraint. Development builds
// ("dev") never do.
func satisfies(version, constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, nil
	}
	return c.Check(v), nil
}
