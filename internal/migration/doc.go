// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 migration 提供协调引擎存储 Schema 的版本化迁移能力，支持
PostgreSQL、MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，覆盖
sessions、tasks、delegation_edges 三张表。生产部署在启动时执行
Up；测试与本地开发走 GormStore.AutoMigrate 快捷路径。

Migrator 提供 Up/Down/Steps/Force/Version/Close 操作集；Force
仅用于 dirty 版本的人工恢复。
*/
package migration
