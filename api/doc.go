// Package api 定义对外 HTTP 接口的线格式类型。
// HTTP 处理器位于 api/handlers 子包。
package api
