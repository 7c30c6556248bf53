// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 database 提供会话存储使用的数据库连接池与事务辅助设施。

Pool 封装 gorm.DB：统一配置连接池参数、后台健康检查，并提供
WithTransaction / WithTransactionRetry 两个事务入口。会话存储的
全部写路径都必须经由事务执行，保证任务状态变更与会话级后果的
原子可见性。

支持 postgres、mysql、sqlite 三种方言，由 Open 按配置选择。
*/
package database
