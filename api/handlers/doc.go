// Package handlers 实现对外 HTTP 接口的处理器：
// 工作流 SSE/WebSocket 流式执行、健康检查与通用响应辅助函数。
package handlers
