// Package types 定义 P2Shell 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 p2shell 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据：
//   - NodeID: 节点身份标识（公钥派生）
//   - CandidateAddress / ResolutionResult: 地址解析结果
//   - AddrKind: 候选地址类型（直连 / 中继 / 打洞）
package types
