// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力。

Manager 封装 go-redis 客户端，提供 Get/Set/Delete 基础操作与
GetJSON/SetJSON 便捷序列化方法，供会话读缓存使用。键前缀约定
沿用生态惯例：会话视图为 session:<id>，任务为 task:<id>。

提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数；缓存只加速
读路径，权威数据始终在会话存储中。
*/
package cache
