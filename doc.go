// Package p2shell 实现以身份寻址的 P2P 远程 shell 传输层
//
// 通过稳定的密码学身份（NodeID）而非 IP 地址到达远端主机：
// 地址解析 → 多路径竞速协商（直连 / 打洞 / 中继）→ 身份绑定的
// 加密通道 → 会话连续性引擎。对端地址变化、丢包、断连重连对
// 上层 shell 字节流完全透明。
//
// 基本用法（发起方）：
//
//	node, err := p2shell.New(
//		p2shell.WithKeyFile("~/.p2shell/node.key"),
//		p2shell.WithOverlay(overlay),
//	)
//	sess, err := node.Connect(ctx, peerID)
//	io.Copy(os.Stdout, sess) // 稳定字节流
//
// 服务方：
//
//	node.Serve(ctx, func(s *p2shell.Session) {
//		// 每个新入站会话调用一次
//	})
//
// shell 程序本身、覆盖网络的路由维护与终端仿真均在本包职责之外。
package p2shell
