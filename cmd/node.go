package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yqhp/ml-orchestrator/api/rest/client"
	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/node"
)

var (
	// node start 命令的 flags
	nodeID       string
	nodeAddress  string
	nodeJoinAddr string
	nodeRoles    string
	storeDriver  string

	// node stats 命令的 flags
	statsAddr string
)

// nodeCmd 是 node 子命令
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "管理编排节点",
	Long:  `编排节点负责分发模型任务、执行模型操作并汇总执行结果。`,
}

// nodeStartCmd 是 node start 子命令
var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动编排节点",
	Long: `启动编排节点，提供 REST API，并在指定 --join 时加入已有集群。

节点角色：
  - cluster_manager: 可被选为集群管理节点，负责自动重新部署
  - data: 数据节点，仅在允许时运行本地模型
  - ml: 机器学习节点，运行所有模型`,
	Example: `  # 使用默认配置启动单节点集群
  ml-orchestrator node start

  # 指定监听地址和节点 ID
  ml-orchestrator node start --id node-1 --address :9200

  # 以 ml 节点身份加入集群
  ml-orchestrator node start --id node-2 --address :9201 --roles ml --join localhost:9200

  # 使用 Redis 存储模型和任务记录
  ml-orchestrator node start --store redis`,
	RunE: runNodeStart,
}

// nodeStatsCmd 是 node stats 子命令
var nodeStatsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "查看集群节点状态",
	Long:    `查看集群中每个在线节点的资源使用、熔断器和任务状态。`,
	Example: `  ml-orchestrator node stats --address localhost:9200`,
	RunE:    runNodeStats,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeStatsCmd)

	// node start flags
	nodeStartCmd.Flags().StringVar(&nodeID, "id", "", "节点 ID（不指定则自动生成）")
	nodeStartCmd.Flags().StringVar(&nodeAddress, "address", "", "REST API 监听地址")
	nodeStartCmd.Flags().StringVar(&nodeJoinAddr, "join", "", "集群管理节点地址")
	nodeStartCmd.Flags().StringVar(&nodeRoles, "roles", "", "节点角色，逗号分隔 (cluster_manager, data, ml)")
	nodeStartCmd.Flags().StringVar(&storeDriver, "store", "", "存储驱动 (memory, redis, mysql, postgres)")

	// node stats flags
	nodeStatsCmd.Flags().StringVar(&statsAddr, "address", "localhost:9200", "节点地址")
}

// startArgs 把命令行参数转换为配置覆盖项
func startArgs(cmd *cobra.Command) map[string]string {
	args := make(map[string]string)
	if cmd.Flags().Changed("id") {
		args["node.id"] = nodeID
	}
	if cmd.Flags().Changed("address") {
		args["server.address"] = nodeAddress
	}
	if cmd.Flags().Changed("join") {
		args["node.join_addr"] = nodeJoinAddr
	}
	if cmd.Flags().Changed("roles") {
		args["node.roles"] = nodeRoles
	}
	if cmd.Flags().Changed("store") {
		args["store.driver"] = storeDriver
	}
	if debug {
		args["logging.level"] = "debug"
	}
	return args
}

func runNodeStart(cmd *cobra.Command, args []string) error {
	// 加载配置
	loader := config.NewLoader().WithCmdArgs(startArgs(cmd))
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger.Init(&cfg.Logging)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, cfg, nil, logger.L())
	if err != nil {
		return fmt.Errorf("创建节点失败: %w", err)
	}

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n正在关闭节点...")
		cancel()
	}()

	info := n.Info()
	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动编排节点...\n")
		fmt.Printf("  ID: %s\n", info.ID)
		fmt.Printf("  地址: %s\n", info.Address)
		fmt.Printf("  角色: %v\n", info.Roles)
		fmt.Printf("  存储: %s\n", cfg.Store.Driver)
		if cfg.Node.JoinAddr != "" {
			fmt.Printf("  集群管理节点: %s\n", cfg.Node.JoinAddr)
		}
		fmt.Println()
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}

	if !quiet {
		fmt.Println("编排节点已启动。按 Ctrl+C 停止。")
	}

	// 等待上下文取消
	<-ctx.Done()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := n.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("停止节点失败: %w", err)
	}

	if !quiet {
		fmt.Println("编排节点已停止。")
	}
	return nil
}

func runNodeStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes, err := client.New(statsAddr, 10*time.Second).NodeStats(ctx)
	if err != nil {
		return fmt.Errorf("获取节点状态失败: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tHEAP%\tNATIVE%\tDISK FREE\tBREAKER\tTASKS\tMODELS\tERROR")
	for _, s := range nodes {
		breaker := s.OpenBreaker
		if breaker == "" {
			breaker = "-"
		}
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%d\t%s\t%d\t%d\t%s\n",
			s.NodeID, s.HeapUsedPercent, s.NativeMemoryUsedPercent, s.DiskFreeBytes,
			breaker, s.RunningTasks, len(s.DeployedModels), s.Error)
	}
	return w.Flush()
}
