// Package main 提供 p2psh 客户端入口
//
// 按节点标识连接远端 shell，把本地标准输入输出桥接到会话字节流。
// 断连重连对用户透明：会话引擎保证字节流连续不丢不重。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	p2shell "github.com/dep2p/go-p2shell"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
)

var logger = log.Logger("cmd/p2psh")

var (
	keyFile    = flag.String("key", "p2psh.key", "身份密钥文件路径（不存在时自动生成）")
	configFile = flag.String("config", "", "JSON 配置文件路径")
	peerAddr   = flag.String("addr", "", "对端直连地址 (host:port)，未配置覆盖网络时必填")
	stunServer = flag.String("stun", "", "STUN 服务器地址")
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
	} else {
		// 交互模式下日志让位于 shell 输出
		log.SetLevel(slog.LevelError)
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("用法: p2psh [flags] <节点标识>")
	}
	peer, err := p2shell.ParseNodeID(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("无效的节点标识 %q: %w", flag.Arg(0), err)
	}

	opts, err := buildOptions(peer)
	if err != nil {
		return err
	}

	node, err := p2shell.New(opts...)
	if err != nil {
		return fmt.Errorf("启动节点: %w", err)
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := node.Connect(ctx, peer)
	if err != nil {
		return fmt.Errorf("连接 %s: %w", peer.ShortString(), err)
	}
	defer sess.Close()

	// 状态变化提示到 stderr，不污染 shell 字节流
	go reportState(sess)

	go func() {
		_, _ = io.Copy(sess, os.Stdin)
		_ = sess.Close()
	}()
	_, _ = io.Copy(os.Stdout, sess)

	if err := sess.Err(); err != nil {
		return fmt.Errorf("会话终止: %w", err)
	}
	return nil
}

// buildOptions 合并配置文件与命令行参数
func buildOptions(peer p2shell.NodeID) ([]p2shell.Option, error) {
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

	opts = append(opts, p2shell.WithKeyFile(*keyFile))
	if *peerAddr != "" {
		opts = append(opts, p2shell.WithPeer(peer, *peerAddr, p2shell.KindDirect))
	}
	if *stunServer != "" {
		opts = append(opts, p2shell.WithSTUNServer(*stunServer))
	}
	return opts, nil
}

// reportState 把重连过程打印到 stderr
func reportState(sess *p2shell.Session) {
	events := sess.Events()
	if events == nil {
		return
	}
	for state := range events {
		switch state {
		case p2shell.StateReconnecting:
			fmt.Fprintln(os.Stderr, "\r[p2psh] 连接丢失，正在重连…")
		case p2shell.StateConnected:
			fmt.Fprintln(os.Stderr, "\r[p2psh] 已连接")
		case p2shell.StateFailed:
			fmt.Fprintf(os.Stderr, "\r[p2psh] 连接失败: %v\n", sess.Err())
			return
		case p2shell.StateClosed:
			return
		}
	}
}
