// Package config 提供服务的配置管理功能。
//
// 支持从默认值、YAML 文件与环境变量三级加载（后者覆盖前者），
// 加载完成并通过校验后配置即不可变。
package config
