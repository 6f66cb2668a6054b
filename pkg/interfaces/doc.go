// Package interfaces 定义 P2Shell 各模块之间的契约
//
// 分为两类：
//   - 消费的能力（Overlay）：由外部 P2P 覆盖网络提供，核心只依赖
//     其 resolve / relay / signal 能力，不关心路由内部实现。
//   - 内部契约（Identity / SecureChannel）：组件之间通过接口解耦，
//     便于注入替身进行测试。
package interfaces
