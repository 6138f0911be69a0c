package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/tierhub/internal/config"
	"github.com/any-hub/tierhub/internal/logging"
)

const configEnv = "TIERHUB_CONFIG"

// cliOptions 汇总全局标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	// explicitConfig 表示配置路径来自 --config 或环境变量，而非默认值。
	explicitConfig bool
	envFile        string
	checkOnly      bool
	showVersion    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// signalContext 在测试中可替换，以便不依赖真实信号结束运行。
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回退出码，方便测试。
func execute(args []string) int {
	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "tierhub",
		Short:         "Reverse proxy in front of a linear chain of cache tiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return resolveOptions(cmd, opts)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case opts.showVersion:
				*code = runVersion()
			case opts.checkOnly:
				*code = runCheckConfig(*opts)
			default:
				*code = runChain(*opts)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	flags.StringVar(&opts.envFile, "env-file", "", "启动前加载的 .env 文件")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(
		newChainCmd(opts, code),
		newTierCmd(opts, code),
		newProxyCmd(opts, code),
		newCheckConfigCmd(opts, code),
		newVersionCmd(code),
	)
	return root
}

// resolveOptions 加载 env 文件，并按 flag > 环境变量 > config.toml 计算配置路径。
func resolveOptions(cmd *cobra.Command, opts *cliOptions) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("加载 env 文件失败: %w", err)
		}
	}
	flagSet := cmd.Flags().Changed("config")
	switch {
	case flagSet && opts.configPath != "":
		opts.explicitConfig = true
	case os.Getenv(configEnv) != "":
		opts.configPath = os.Getenv(configEnv)
		opts.explicitConfig = true
	default:
		opts.configPath = "config.toml"
	}
	return nil
}

// loadRuntime 读取配置并初始化日志；optional 为 true 时允许缺省的 config.toml 不存在。
func loadRuntime(opts cliOptions, optional bool) (*config.Config, *logrus.Logger, bool) {
	var (
		cfg *config.Config
		err error
	)
	if optional && !opts.explicitConfig && !fileExists(opts.configPath) {
		cfg = config.Defaults()
	} else {
		cfg, err = config.Load(opts.configPath)
	}
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, false
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, false
	}
	return cfg, logger, true
}

// exitCode 将运行结果映射为退出码：信号触发的正常退出为 0。
func exitCode(logger *logrus.Logger, action string, err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.WithField("action", action).Info("shutdown complete")
		return 0
	}
	logger.WithField("action", action).Error(err.Error())
	fmt.Fprintf(stdErr, "运行失败: %v\n", err)
	return 1
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
