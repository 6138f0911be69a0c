package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/tierhub/internal/bootstrap"
	"github.com/any-hub/tierhub/internal/chain"
	"github.com/any-hub/tierhub/internal/config"
	"github.com/any-hub/tierhub/internal/logging"
	"github.com/any-hub/tierhub/internal/supervisor"
	"github.com/any-hub/tierhub/internal/version"
)

// tierFlags 是 tier 子命令的参数。
type tierFlags struct {
	name     string
	port     int
	upstream string
}

// proxyFlags 是 proxy 子命令的参数。
type proxyFlags struct {
	port int
	head string
}

func newChainCmd(opts *cliOptions, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Run every configured tier and the proxy as one group",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = runChain(*opts)
			return nil
		},
	}
}

func newTierCmd(opts *cliOptions, code *int) *cobra.Command {
	flags := &tierFlags{}
	cmd := &cobra.Command{
		Use:   "tier",
		Short: "Run a single cache tier",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = runTier(*opts, *flags)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "tier 名称（默认 tier-<port>，与配置同名时沿用其设置）")
	cmd.Flags().IntVar(&flags.port, "port", 0, "监听端口")
	cmd.Flags().StringVar(&flags.upstream, "upstream", "", "上游 tier：端口、host:port 或配置中的 tier 名称；留空即 origin")
	return cmd
}

func newProxyCmd(opts *cliOptions, code *int) *cobra.Command {
	flags := &proxyFlags{}
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the reverse proxy in front of a head tier",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = runProxy(*opts, *flags)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.port, "port", 0, "监听端口（默认取配置 ProxyPort）")
	cmd.Flags().StringVar(&flags.head, "head", "", "head tier：端口、host:port 或配置中的 tier 名称（默认取配置链路的 head）")
	return cmd
}

func newCheckConfigCmd(opts *cliOptions, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and the chain topology",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = runCheckConfig(*opts)
			return nil
		},
	}
}

// runChain 在同一进程内以 supervisor 运行全部 tier 与 proxy。
func runChain(opts cliOptions) int {
	cfg, logger, ok := loadRuntime(opts, false)
	if !ok {
		return 1
	}
	defer logging.Close(logger)

	group, err := bootstrap.BuildGroup(cfg, bootstrap.GroupOptions{Logger: logger})
	if err != nil {
		fmt.Fprintf(stdErr, "构建链路失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["tiers"] = group.Chain.Len()
	fields["head"] = group.Chain.Head().ID
	fields["proxy"] = group.Proxy.Addr()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signalContext()
	defer stop()
	return exitCode(logger, "shutdown", group.Run(ctx))
}

// runTier 运行单个 tier；配置文件可选，用于提供全局参数与同名 tier 的覆盖项。
func runTier(opts cliOptions, flags tierFlags) int {
	cfg, logger, ok := loadRuntime(opts, true)
	if !ok {
		return 1
	}
	defer logging.Close(logger)

	tc, upstreamAddr, err := resolveTier(cfg, flags)
	if err != nil {
		fmt.Fprintf(stdErr, "参数无效: %v\n", err)
		return 1
	}

	ln, err := bootstrap.DefaultListen(cfg.TierAddr(tc))
	if err != nil {
		fmt.Fprintf(stdErr, "监听失败: %v\n", err)
		return 1
	}
	unit, err := bootstrap.BuildTier(cfg, tc, upstreamAddr, bootstrap.UnitOptions{Logger: logger, Listener: ln})
	defer ln.Close()
	if err != nil {
		fmt.Fprintf(stdErr, "构建 tier 失败: %v\n", err)
		return 1
	}
	return runStandalone(opts, logger, cfg, unit)
}

// runProxy 运行单个反向代理。
func runProxy(opts cliOptions, flags proxyFlags) int {
	cfg, logger, ok := loadRuntime(opts, true)
	if !ok {
		return 1
	}
	defer logging.Close(logger)

	headAddr, err := resolveHead(cfg, flags.head)
	if err != nil {
		fmt.Fprintf(stdErr, "参数无效: %v\n", err)
		return 1
	}
	if flags.port != 0 {
		cfg.Global.ProxyPort = flags.port
	}
	if err := cfg.ValidateGlobal(); err != nil {
		fmt.Fprintf(stdErr, "参数无效: %v\n", err)
		return 1
	}

	ln, err := bootstrap.DefaultListen(cfg.ProxyAddr())
	if err != nil {
		fmt.Fprintf(stdErr, "监听失败: %v\n", err)
		return 1
	}
	unit, err := bootstrap.BuildProxy(cfg, headAddr, bootstrap.UnitOptions{Logger: logger, Listener: ln})
	defer ln.Close()
	if err != nil {
		fmt.Fprintf(stdErr, "构建 proxy 失败: %v\n", err)
		return 1
	}
	return runStandalone(opts, logger, cfg, unit)
}

func runStandalone(opts cliOptions, logger *logrus.Logger, cfg *config.Config, unit supervisor.Unit) int {
	sup, err := bootstrap.NewSupervisor(cfg, logger, unit)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 supervisor 失败: %v\n", err)
		return 1
	}
	fields := logging.BaseFields("startup", opts.configPath)
	fields["unit"] = unit.Name()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("单元启动")

	ctx, stop := signalContext()
	defer stop()
	return exitCode(logger, "shutdown", sup.Run(ctx))
}

// resolveTier 合并 --name/--port/--upstream 与配置中的同名 tier。
func resolveTier(cfg *config.Config, flags tierFlags) (config.TierConfig, string, error) {
	tc, found := cfg.Lookup(flags.name)
	if !found {
		tc = config.TierConfig{Name: flags.name}
	}
	if flags.port != 0 {
		tc.Port = flags.port
	}
	if flags.upstream != "" {
		tc.Upstream = flags.upstream
	}
	if tc.Port < 1 || tc.Port > 65535 {
		return tc, "", fmt.Errorf("--port 必须位于 1-65535，得到 %d", tc.Port)
	}
	if tc.Name == "" {
		tc.Name = fmt.Sprintf("tier-%d", tc.Port)
	}
	if err := cfg.ValidateGlobal(); err != nil {
		return tc, "", err
	}
	if tc.IsOrigin() {
		return tc, "", nil
	}
	addr, err := chain.NormalizeAddr(cfg.ResolveUpstream(tc.Upstream))
	if err != nil {
		return tc, "", fmt.Errorf("--upstream: %w", err)
	}
	if addr == cfg.TierAddr(tc) {
		return tc, "", fmt.Errorf("tier %s 不能以自身为上游", tc.Name)
	}
	return tc, addr, nil
}

// resolveHead 解析 --head；缺省时使用配置链路的 head。
func resolveHead(cfg *config.Config, raw string) (string, error) {
	if raw != "" {
		return chain.NormalizeAddr(cfg.ResolveUpstream(raw))
	}
	if len(cfg.Tiers) == 0 {
		return "", errors.New("--head 必须指定（配置中没有 tier）")
	}
	c, err := cfg.Chain()
	if err != nil {
		return "", err
	}
	return c.Head().Addr, nil
}

// runCheckConfig 校验配置与拓扑，不启动任何单元。
func runCheckConfig(opts cliOptions) int {
	cfg, logger, ok := loadRuntime(opts, false)
	if !ok {
		return 1
	}
	defer logging.Close(logger)
	c, err := cfg.Chain()
	if err != nil {
		fmt.Fprintf(stdErr, "链路校验失败: %v\n", err)
		return 1
	}
	fields := logging.BaseFields("check_config", opts.configPath)
	fields["tiers"] = c.Len()
	fields["origin"] = c.Origin().ID
	fields["head"] = c.Head().ID
	fields["proxy"] = cfg.ProxyAddr()
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}
