/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、工作流、LLM 与弹性层四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂绑定到指定 Registry。所有指标按 namespace 隔离，支持多维度
label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理；同时实现
    chain.MetricsSink，可直接挂到编排器上。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：终态计数（success/error）、阶段耗时直方图、
    校验门拒绝计数，按 stage 分组。
  - LLM 指标：Token 用量（prompt/completion，按 stage 分组）
    与调用成本（按 model 分组）。
  - 弹性层指标：熔断器当前状态 Gauge 与状态转换计数，
    接 circuitbreaker.OnStateChange 回调。
*/
package metrics
