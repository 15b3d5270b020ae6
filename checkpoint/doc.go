/*
包 checkpoint 提供工作流检查点的持久化后端。

chain 包在阶段边界以尽力而为的方式写入检查点；本包提供两个
落盘实现：

  - RedisStore：基于 go-redis，带 TTL，适合多实例部署下的共享快照。
  - SQLiteStore：基于 GORM + 纯 Go SQLite 驱动，适合单机持久化。

进程内存储（默认）由 chain.NewMemoryCheckpointStore 提供。
所有实现满足 chain.CheckpointStore 接口。
*/
package checkpoint
