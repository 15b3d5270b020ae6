// promptchaind 是三段式提示链服务的入口：
// 加载配置、装配 Provider 弹性层与编排器、暴露 SSE/WebSocket 接口与
// Prometheus 指标端点。
package main
