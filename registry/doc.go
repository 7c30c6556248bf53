// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 registry 提供 Agent 与 Crew 的进程级注册表。

注册表在启动时由配置装载，运行期间只读。内部以不可变快照
（atomic.Pointer）保存全部描述符，读取路径完全无锁；管理端的
Reload 以整体替换的方式原子生效，杜绝部分可见的中间状态。

# 核心类型

  - Registry：注册表本体，提供 Register / RegisterCrew /
    Lookup / LookupCrew / Capable / Reload。

# 错误语义

  - DUPLICATE_AGENT：重复注册同一标识符。
  - UNKNOWN_AGENT / UNKNOWN_CREW：查找不存在的描述符。
*/
package registry
