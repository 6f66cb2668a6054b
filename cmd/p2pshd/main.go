// Package main 提供 p2pshd 服务端入口
//
// 监听入站会话，为每个会话启动一个 shell 进程并桥接字节流。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	p2shell "github.com/dep2p/go-p2shell"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
)

var logger = log.Logger("cmd/p2pshd")

var (
	listenAddr = flag.String("listen", "0.0.0.0:4455", "监听地址 (host:port)")
	keyFile    = flag.String("key", "p2pshd.key", "身份密钥文件路径（不存在时自动生成）")
	configFile = flag.String("config", "", "JSON 配置文件路径")
	stunServer = flag.String("stun", "", "STUN 服务器地址（观测反射地址）")
	shellCmd   = flag.String("shell", "/bin/sh", "为每个会话启动的 shell 命令")
	verbose    = flag.Bool("v", false, "输出调试日志")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *verbose {
		log.SetLevel(slog.LevelDebug)
	}

	opts, err := buildOptions()
	if err != nil {
		return err
	}

	node, err := p2shell.New(opts...)
	if err != nil {
		return fmt.Errorf("启动节点: %w", err)
	}
	defer node.Close()

	fmt.Printf("节点标识: %s\n", node.ID())
	fmt.Printf("监听地址: %s\n", node.ListenAddr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = node.Serve(ctx, handleSession)
	if ctx.Err() != nil {
		return nil // 正常退出
	}
	return err
}

// buildOptions 合并配置文件与命令行参数（命令行优先）
func buildOptions() ([]p2shell.Option, error) {
	var opts []p2shell.Option

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件: %w", err)
		}
		var cfg p2shell.UserConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件: %w", err)
		}
		opts, err = cfg.ToOptions()
		if err != nil {
			return nil, err
		}
	}

	opts = append(opts,
		p2shell.WithKeyFile(*keyFile),
		p2shell.WithListenAddr(*listenAddr),
	)
	if *stunServer != "" {
		opts = append(opts, p2shell.WithSTUNServer(*stunServer))
	}
	return opts, nil
}

// handleSession 为入站会话启动 shell 并桥接字节流
func handleSession(s *p2shell.Session) {
	defer s.Close()
	logger.Info("会话开始", "peer", s.Peer().ShortString(), "session", s.ID())

	cmd := exec.Command(*shellCmd, "-i")
	cmd.Stdin = s
	cmd.Stdout = s
	cmd.Stderr = s

	if err := cmd.Run(); err != nil {
		// shell 随会话断开退出属于正常路径
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logger.Warn("shell 进程异常退出", "err", err)
		}
	}

	stats := s.Stats()
	logger.Info("会话结束",
		"peer", s.Peer().ShortString(),
		"sent", stats.BytesSent, "received", stats.BytesReceived,
		"reattaches", stats.Reattaches)
}
