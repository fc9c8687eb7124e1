// Package cmd 提供 ml-orchestrator CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   __  __ _        ___           _               _             _
  |  \/  | |      / _ \ _ __ ___| |__   ___  ___| |_ _ __ __ _| |_ ___  _ __
  | |\/| | |     | | | | '__/ __| '_ \ / _ \/ __| __| '__/ _' | __/ _ \| '__|
  | |  | | |___  | |_| | | | (__| | | |  __/\__ \ |_| | | (_| | || (_) | |
  |_|  |_|_____|  \___/|_|  \___|_| |_|\___||___/\__|_|  \__,_|\__\___/|_|  %s
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "ml-orchestrator",
	Short: "集群化的机器学习模型编排服务",
	Long: `ml-orchestrator 在集群节点之间分发模型注册、上传和部署任务，
汇总各工作节点的执行结果，并在节点加入集群后自动重新部署模型。`,
	Version: Version,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
